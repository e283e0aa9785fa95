package service

import "chatbridge/internal/models"

// History 是定长的最近消息缓冲，满了以后淘汰最旧的一条。非并发安全，由 Engine 加锁。
type History struct {
	msgs []models.Message
	size int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{msgs: make([]models.Message, 0, size), size: size}
}

func (h *History) Append(m models.Message) {
	if len(h.msgs) == h.size {
		copy(h.msgs, h.msgs[1:])
		h.msgs = h.msgs[:h.size-1]
	}
	h.msgs = append(h.msgs, m)
}

// Snapshot 按到达顺序返回副本。
func (h *History) Snapshot() []models.Message {
	out := make([]models.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

func (h *History) Len() int { return len(h.msgs) }

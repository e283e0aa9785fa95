package ws

import (
	"context"
	"sync"

	"chatbridge/internal/metrics"
	"chatbridge/internal/service"

	"github.com/rs/zerolog/log"
)

// member 是 Hub 能管理的连接：需要知道所属会话，并能被强制断开。
type member interface {
	service.Conn
	SessionID() string
	Close()
	closed() bool
}

// Hub 持有本进程的全部连接，按 endpoint id 与会话 id 建索引，并发安全。
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]member
	sessions map[string]map[string]member
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]member),
		sessions: make(map[string]map[string]member),
	}
}

// Add 由 Engine 在历史回放之后调用。
func (h *Hub) Add(c service.Conn) {
	m, ok := c.(member)
	if !ok {
		log.Error().Str("conn_id", c.ID()).Msg("hub: unsupported connection type")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.clients[m.ID()]; !exists {
		metrics.WsConnections.Inc()
	}
	h.clients[m.ID()] = m
	bySession := h.sessions[m.SessionID()]
	if bySession == nil {
		bySession = make(map[string]member)
		h.sessions[m.SessionID()] = bySession
	}
	bySession[m.ID()] = m
}

// Remove 返回连接此前是否在 Hub 中。
func (h *Hub) Remove(c service.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.clients[c.ID()]
	if !ok {
		return false
	}
	delete(h.clients, m.ID())
	if bySession := h.sessions[m.SessionID()]; bySession != nil {
		delete(bySession, m.ID())
		if len(bySession) == 0 {
			delete(h.sessions, m.SessionID())
		}
	}
	metrics.WsConnections.Dec()
	return true
}

// Broadcast 发给所有本地连接；发送队列已满的连接被断开。
func (h *Hub) Broadcast(frame []byte) {
	var slow []member
	h.mu.RLock()
	for _, c := range h.clients {
		// 已断开、等待读协程移除的连接不算慢消费者
		if c.closed() {
			continue
		}
		if !c.Send(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		log.Warn().Str("conn_id", c.ID()).Msg("dropping slow consumer")
		c.Close()
	}
}

// SendTo 只投递给本地连接，连接不在本进程时返回 false。
func (h *Hub) SendTo(endpointID string, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[endpointID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.Send(frame) {
		c.Close()
		return false
	}
	return true
}

// EndpointFor 返回同一会话在本进程的另一条连接，没有时返回空串。
func (h *Hub) EndpointFor(sessionID, exclude string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.sessions[sessionID] {
		if id != exclude {
			return id
		}
	}
	return ""
}

// DisconnectSession 断开会话在本进程的全部连接，返回断开数量。
func (h *Hub) DisconnectSession(sessionID string) int {
	h.mu.RLock()
	conns := make([]member, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Online 返回本进程连接数，供 REST 接口复用。
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WatchSessions 处理会话过期或删除通知：断开对应连接并刷新本地用户列表。
func (h *Hub) WatchSessions(ctx context.Context, removed <-chan string, a service.Announcer) {
	for sid := range removed {
		n := h.DisconnectSession(sid)
		log.Info().Str("session_id", sid).Int("disconnected", n).Msg("session removed")
		if err := a.AnnounceLocal(ctx); err != nil {
			log.Warn().Err(err).Msg("announce after session removal")
		}
	}
}

var _ service.Locals = (*Hub)(nil)

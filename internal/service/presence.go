package service

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/metrics"
	"chatbridge/internal/models"
	"chatbridge/internal/store"

	"github.com/rs/zerolog/log"
)

// Announcer 在用户列表变化时通知本进程的连接。
type Announcer interface {
	AnnounceLocal(ctx context.Context) error
}

// Presence 为每个昵称维护一个短 TTL 的在线标记：标记存在即在线，
// 过期由存储异步通知，不做主动轮询。
type Presence struct {
	markers store.MarkerStore
	ttl     time.Duration
}

func NewPresence(markers store.MarkerStore, ttl time.Duration) *Presence {
	return &Presence{markers: markers, ttl: ttl}
}

// Touch 刷新标记。返回 false 表示发生了 离线→在线 的转换，调用方需要广播用户列表。
func (p *Presence) Touch(ctx context.Context, nick string) (bool, error) {
	existed, err := p.markers.Touch(ctx, nick, models.StatusOnline, p.ttl)
	if err != nil {
		return false, storeErr("touch presence", err)
	}
	if !existed {
		metrics.PresenceTransitions.WithLabelValues(models.StatusOnline).Inc()
	}
	return existed, nil
}

// IsOnline 查询单个昵称。
func (p *Presence) IsOnline(ctx context.Context, nick string) (bool, error) {
	_, err := p.markers.Get(ctx, nick)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("get presence", err)
	}
	return true, nil
}

// Statuses 批量查询在线状态。
func (p *Presence) Statuses(ctx context.Context, nicks []string) (map[string]bool, error) {
	present, err := p.markers.Present(ctx, nicks)
	if err != nil {
		return nil, storeErr("presence statuses", err)
	}
	return present, nil
}

// Clear 立即删除标记（注销时使用）。
func (p *Presence) Clear(ctx context.Context, nick string) error {
	if err := p.markers.Delete(ctx, nick); err != nil {
		return storeErr("clear presence", err)
	}
	return nil
}

// OnExpiry 处理一次标记过期通知。重复或多余的通知无害：只是重新计算并广播同一份列表。
func (p *Presence) OnExpiry(ctx context.Context, a Announcer, key string) {
	metrics.PresenceTransitions.WithLabelValues(models.StatusOffline).Inc()
	log.Info().Str("nick", key).Msg("presence expired")
	if err := a.AnnounceLocal(ctx); err != nil {
		log.Warn().Err(err).Str("nick", key).Msg("announce after presence expiry")
	}
}

// Start 订阅过期通知，并在后台处理直到 ctx 结束。
func (p *Presence) Start(ctx context.Context, a Announcer) error {
	expired, err := p.markers.Expired(ctx)
	if err != nil {
		return storeErr("watch presence", err)
	}
	go func() {
		for key := range expired {
			p.OnExpiry(ctx, a, key)
		}
	}()
	return nil
}

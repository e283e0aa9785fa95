package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/store"

	"github.com/rs/zerolog/log"
)

// CookieDecoder 从签名 cookie 中取出会话 id。
type CookieDecoder interface {
	Decode(raw string) (string, error)
}

// Handle 是一条连接在其生命周期内绑定的会话：会话 id 固定，Record 是本地副本。
type Handle struct {
	SessionID  string
	EndpointID string
	Record     *models.Session
}

// User 返回消息中使用的发送者信息。
func (h *Handle) User() models.User {
	return models.User{Nick: h.Record.Nick, Color: h.Record.Color}
}

// Bridge 把 HTTP 侧建立的会话桥接到长连接上。
// 认证只在建连时做一次，之后每一帧只从存储刷新本地副本；记录被删除或过期即视为吊销。
type Bridge struct {
	sessions store.SessionStore
	cookies  CookieDecoder
	ttl      time.Duration
}

func NewBridge(sessions store.SessionStore, cookies CookieDecoder, ttl time.Duration) *Bridge {
	return &Bridge{sessions: sessions, cookies: cookies, ttl: ttl}
}

// Authenticate 解析 cookie、加载会话并把连接的 endpoint id 写回记录。
func (b *Bridge) Authenticate(ctx context.Context, rawCookie, endpointID string) (*Handle, error) {
	sid, err := b.cookies.Decode(rawCookie)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	rec, err := b.sessions.Get(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, storeErr("load session", err)
	}
	if !rec.Authenticated {
		return nil, ErrNotAuthenticated
	}
	rec.EndpointID = endpointID
	h := &Handle{SessionID: sid, EndpointID: endpointID, Record: rec}
	b.Persist(ctx, h)
	return h, nil
}

// Refresh 在处理每一帧之前调用，用存储中的记录替换本地副本。
// 记录不存在时返回 ErrSessionLost；读取失败同样使连接失效。
// 记录没有代表 endpoint 时（另一进程上的连接断开后）由本连接接管。
func (b *Bridge) Refresh(ctx context.Context, h *Handle) error {
	rec, err := b.sessions.Get(ctx, h.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionLost
	}
	if err != nil {
		return storeErr("refresh session", err)
	}
	if !rec.Authenticated {
		return ErrSessionLost
	}
	h.Record = rec
	if rec.EndpointID == "" {
		rec.EndpointID = h.EndpointID
		b.Persist(ctx, h)
	}
	return nil
}

// Persist 把本地副本写回存储。失败只记录日志，不影响消息投递。
func (b *Bridge) Persist(ctx context.Context, h *Handle) {
	if err := b.sessions.Set(ctx, h.SessionID, h.Record, b.ttl); err != nil {
		log.Warn().Err(err).Str("session_id", h.SessionID).Msg("persist session")
	}
}

// Release 在连接断开时调用：若记录里的代表 endpoint 仍是本连接，则改为 next（可为空）。
// 记录已不存在时不做任何写入，避免复活已注销的会话。
func (b *Bridge) Release(ctx context.Context, h *Handle, next string) {
	rec, err := b.sessions.Get(ctx, h.SessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("session_id", h.SessionID).Msg("release endpoint")
		}
		return
	}
	if rec.EndpointID != h.EndpointID {
		return
	}
	rec.EndpointID = next
	if err := b.sessions.Set(ctx, h.SessionID, rec, b.ttl); err != nil {
		log.Warn().Err(err).Str("session_id", h.SessionID).Msg("release endpoint")
	}
}

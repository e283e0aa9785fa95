package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	ctxSession   = "session"
	ctxDestroyed = "sessionDestroyed"
)

// Sessions 是 HTTP 侧的会话中间件：没有会话的请求会得到一个未登录的新会话，
// 每次请求结束后重新保存记录以滚动刷新 TTL。
type Sessions struct {
	store store.SessionStore
	codec *CookieCodec
	name  string
	ttl   time.Duration
}

func NewSessions(st store.SessionStore, codec *CookieCodec, cookieName string, ttl time.Duration) *Sessions {
	return &Sessions{store: st, codec: codec, name: cookieName, ttl: ttl}
}

func (s *Sessions) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := s.load(c.Request.Context(), c)
		if err != nil {
			log.Error().Err(err).Msg("load session")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		value, err := s.codec.Encode(sess.ID)
		if err != nil {
			log.Error().Err(err).Msg("sign session cookie")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session error"})
			return
		}
		c.SetCookie(s.name, value, int(s.ttl/time.Second), "/", "", false, true)
		c.Set(ctxSession, sess)

		c.Next()

		if c.GetBool(ctxDestroyed) {
			return
		}
		// 请求结束后整体回写，与长连接侧的并发写入之间是后写者胜。
		if err := s.Save(c.Request.Context(), sess); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("resave session")
		}
	}
}

func (s *Sessions) load(ctx context.Context, c *gin.Context) (*models.Session, error) {
	if raw, err := c.Cookie(s.name); err == nil {
		if id, err := s.codec.Decode(raw); err == nil {
			sess, err := s.store.Get(ctx, id)
			if err == nil {
				return sess, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
	}
	sess := &models.Session{ID: NewSessionID()}
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Save 写入记录并刷新 TTL。
func (s *Sessions) Save(ctx context.Context, sess *models.Session) error {
	return s.store.Set(ctx, sess.ID, sess, s.ttl)
}

// Destroy 删除当前会话并清除 cookie。
func (s *Sessions) Destroy(c *gin.Context) error {
	c.Set(ctxDestroyed, true)
	c.SetCookie(s.name, "", -1, "/", "", false, true)
	sess := Current(c)
	if sess == nil {
		return nil
	}
	return s.store.Delete(c.Request.Context(), sess.ID)
}

// Current 返回中间件挂在请求上的会话记录。
func Current(c *gin.Context) *models.Session {
	if v, ok := c.Get(ctxSession); ok {
		if sess, ok2 := v.(*models.Session); ok2 {
			return sess
		}
	}
	return nil
}

// RequireAuth 拒绝未登录的请求。
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := Current(c)
		if sess == nil || !sess.Authenticated {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
			return
		}
		c.Next()
	}
}

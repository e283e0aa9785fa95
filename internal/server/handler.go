package server

import (
	"errors"
	"net/http"
	"strings"

	"chatbridge/internal/auth"
	"chatbridge/internal/service"
	"chatbridge/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	sessions *auth.Sessions
	accounts *service.Accounts
	registry *service.Registry
	hub      *ws.Hub
}

func NewHandler(sessions *auth.Sessions, accounts *service.Accounts, registry *service.Registry, hub *ws.Hub) *Handler {
	return &Handler{sessions: sessions, accounts: accounts, registry: registry, hub: hub}
}

// LoginStatus 返回当前会话是否已登录。
func (h *Handler) LoginStatus(c *gin.Context) {
	sess := auth.Current(c)
	if sess == nil || !sess.Authenticated {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "nick": sess.Nick, "color": sess.Color})
}

// Login 处理昵称登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Nick string `json:"nick"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Nick = strings.TrimSpace(req.Nick)
	sess := auth.Current(c)
	if err := h.accounts.Login(c.Request.Context(), sess, req.Nick); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidNick):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "rule": auth.NickRule()})
		case errors.Is(err, service.ErrNickTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			log.Error().Err(err).Str("nick", req.Nick).Msg("login")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"nick": sess.Nick, "color": sess.Color})
}

// Logout 删除会话记录并清除 cookie。
func (h *Handler) Logout(c *gin.Context) {
	sess := auth.Current(c)
	if err := h.sessions.Destroy(c); err != nil {
		log.Error().Err(err).Msg("logout")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "logout failed"})
		return
	}
	h.accounts.Logout(c.Request.Context(), sess)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Users 返回已登录用户及在线状态。
func (h *Handler) Users(c *gin.Context) {
	users, err := h.registry.ListOnlineUsers(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("list users")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "local_connections": h.hub.Online()})
}

// Ping 供空闲客户端刷新滚动会话。
func (h *Handler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

package server

import (
	"net/http"
	"os"
	"time"

	"chatbridge/internal/auth"
	"chatbridge/internal/config"
	"chatbridge/internal/metrics"
	"chatbridge/internal/mw"
	"chatbridge/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、会话接口以及 WebSocket 端点。
func SetupRouter(cfg config.Config, sessions *auth.Sessions, h *Handler, svc ws.Services) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))
	r.Use(mw.CORS(cfg.Env))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("")
	api.Use(sessions.Middleware())
	api.GET("/login", h.LoginStatus)
	api.POST("/login", h.Login)
	api.GET("/logout", h.Logout)

	// 需要已登录会话的接口。
	authed := api.Group("")
	authed.Use(auth.RequireAuth())
	authed.GET("/users", h.Users)
	authed.GET("/ping", h.Ping)

	// 长连接只读取 cookie，不经过会话中间件：中间件在请求结束时回写记录，
	// 对持续到断开的连接来说会覆盖期间的所有修改。
	r.GET("/ws", ws.Serve(svc, cfg))

	if fi, err := os.Stat(cfg.WebDir); err == nil && fi.IsDir() {
		r.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.WebDir))))
	}
	return r
}

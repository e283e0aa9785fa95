package server

import (
	"context"
	"fmt"

	"chatbridge/internal/auth"
	"chatbridge/internal/config"
	"chatbridge/internal/service"
	"chatbridge/internal/store"
	"chatbridge/internal/ws"

	"github.com/gin-gonic/gin"
)

// Backends 是会话存储、在线标记与 backplane 的具体实现。
type Backends struct {
	Sessions  store.SessionStore
	Markers   store.MarkerStore
	Backplane store.Backplane
}

// App 是一个进程内完整组装好的服务。
type App struct {
	Router   *gin.Engine
	Hub      *ws.Hub
	Engine   *service.Engine
	Registry *service.Registry

	presence *service.Presence
	sessions store.SessionStore
}

func NewApp(cfg config.Config, b Backends) *App {
	codec := auth.NewCookieCodec(cfg.SessionSecret)
	sessions := auth.NewSessions(b.Sessions, codec, cfg.CookieName, cfg.SessionTTL())

	hub := ws.NewHub()
	presence := service.NewPresence(b.Markers, cfg.PresenceTTL())
	registry := service.NewRegistry(b.Sessions, presence)
	engine := service.NewEngine(hub, b.Backplane, registry, cfg.HistorySize, cfg.MaxMessageLength)
	bridge := service.NewBridge(b.Sessions, codec, cfg.SessionTTL())
	accounts := service.NewAccounts(sessions, registry, presence, engine)

	h := NewHandler(sessions, accounts, registry, hub)
	svc := ws.Services{Bridge: bridge, Presence: presence, Engine: engine, Hub: hub}
	return &App{
		Router:   SetupRouter(cfg, sessions, h, svc),
		Hub:      hub,
		Engine:   engine,
		Registry: registry,
		presence: presence,
		sessions: b.Sessions,
	}
}

// Start 订阅 backplane、在线标记过期与会话删除通知，ctx 结束时全部停止。
func (a *App) Start(ctx context.Context) error {
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	if err := a.presence.Start(ctx, a.Engine); err != nil {
		return err
	}
	removed, err := a.sessions.Removed(ctx)
	if err != nil {
		return fmt.Errorf("watch sessions: %w", err)
	}
	go a.Hub.WatchSessions(ctx, removed, a.Engine)
	return nil
}

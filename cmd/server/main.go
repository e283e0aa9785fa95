package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatbridge/internal/config"
	clog "chatbridge/internal/log"
	"chatbridge/internal/server"
	"chatbridge/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接存储并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, closeBackends, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store connect")
	}
	defer closeBackends()

	app := server.NewApp(cfg, backends)
	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start watchers")
	}
	log.Info().Str("node", app.Engine.Node()).Str("backend", cfg.StoreBackend).Str("port", cfg.Port).Msg("server starting")

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: app.Router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

// openBackends 按配置选择 Redis 或进程内后端。
func openBackends(ctx context.Context, cfg config.Config) (server.Backends, func(), error) {
	if cfg.StoreBackend == config.BackendMemory {
		sessions := store.NewMemorySessionStore()
		markers := store.NewMemoryMarkerStore()
		closeFn := func() {
			_ = sessions.Close()
			_ = markers.Close()
		}
		return server.Backends{Sessions: sessions, Markers: markers, Backplane: store.NewMemoryBus()}, closeFn, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return server.Backends{}, nil, err
	}
	if err := store.EnableExpiryEvents(pingCtx, client); err != nil {
		// 没有键事件通知时在线状态与会话过期不会主动广播
		log.Warn().Err(err).Msg("enable keyspace notifications")
	}
	b := server.Backends{
		Sessions:  store.NewRedisSessionStore(client),
		Markers:   store.NewRedisMarkerStore(client),
		Backplane: store.NewRedisBackplane(client, cfg.BackplaneChannel),
	}
	return b, func() { _ = client.Close() }, nil
}

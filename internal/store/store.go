// Package store 定义核心组件依赖的外部能力接口：会话存储、在线标记存储与跨进程广播通道，
// 并提供 Redis 与进程内两种实现。
package store

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/models"
)

// ErrNotFound 表示键不存在或已过期。
var ErrNotFound = errors.New("store: not found")

// Redis 键前缀。
const (
	SessionPrefix = "sess:"
	MarkerPrefix  = "online:"
)

// SessionStore 是共享的会话记录存储，每条记录带 TTL。
type SessionStore interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Set(ctx context.Context, id string, s *models.Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	// All 枚举所有存活的记录，包括未登录的匿名会话。
	All(ctx context.Context) ([]*models.Session, error)
	// Removed 订阅记录过期或被删除的通知，ctx 结束时通道关闭。
	Removed(ctx context.Context) (<-chan string, error)
}

// MarkerStore 保存每个昵称一个的短 TTL 在线标记。
type MarkerStore interface {
	Get(ctx context.Context, key string) (string, error)
	// Touch 原子地写入标记并刷新 TTL，返回写入前标记是否已存在。
	Touch(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Present 批量查询标记是否存在。
	Present(ctx context.Context, keys []string) (map[string]bool, error)
	// Expired 订阅标记 TTL 到期的通知，ctx 结束时通道关闭。
	Expired(ctx context.Context) (<-chan string, error)
}

// Backplane 是跨进程的发布订阅通道，每个订阅者都会收到全部消息（包括自己发布的）。
type Backplane interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

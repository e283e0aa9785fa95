package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatbridge/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const scanBatch = 100

// EnableExpiryEvents 打开 Redis 的键事件通知（E=keyevent，g=del 等通用命令，x=过期）。
// 托管 Redis 往往禁止 CONFIG，调用方应只记录失败而不中断启动。
func EnableExpiryEvents(ctx context.Context, client *redis.Client) error {
	return client.ConfigSet(ctx, "notify-keyspace-events", "Egx").Err()
}

// watchKeyEvents 订阅指定键事件并只转发带 prefix 的键（去掉前缀）。
func watchKeyEvents(ctx context.Context, client *redis.Client, prefix string, events ...string) (<-chan string, error) {
	db := client.Options().DB
	channels := make([]string, 0, len(events))
	for _, ev := range events {
		channels = append(channels, fmt.Sprintf("__keyevent@%d__:%s", db, ev))
	}
	sub := client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe key events: %w", err)
	}
	out := make(chan string, notifyBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Payload, prefix) {
					continue
				}
				select {
				case out <- strings.TrimPrefix(msg.Payload, prefix):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisSessionStore 以 JSON 字符串保存会话记录，键为 sess:<id>。
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (r *RedisSessionStore) key(id string) string { return SessionPrefix + id }

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	b, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s models.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Set(ctx context.Context, id string, s *models.Session, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(id), b, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// All 通过 SCAN + MGET 枚举全部会话，复杂度与会话总数成正比。
func (r *RedisSessionStore) All(ctx context.Context) ([]*models.Session, error) {
	var (
		cursor uint64
		out    []*models.Session
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, SessionPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("mget sessions: %w", err)
			}
			for i, v := range vals {
				raw, ok := v.(string)
				if !ok {
					// 扫描与读取之间过期
					continue
				}
				var s models.Session
				if err := json.Unmarshal([]byte(raw), &s); err != nil {
					log.Warn().Err(err).Str("key", keys[i]).Msg("skip undecodable session")
					continue
				}
				out = append(out, &s)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *RedisSessionStore) Removed(ctx context.Context) (<-chan string, error) {
	return watchKeyEvents(ctx, r.client, SessionPrefix, "expired", "del")
}

// RedisMarkerStore 在线标记，键为 online:<nick>。
type RedisMarkerStore struct {
	client *redis.Client
}

func NewRedisMarkerStore(client *redis.Client) *RedisMarkerStore {
	return &RedisMarkerStore{client: client}
}

func (r *RedisMarkerStore) key(k string) string { return MarkerPrefix + k }

func (r *RedisMarkerStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get marker: %w", err)
	}
	return v, nil
}

// Touch 使用 SET ... EX ... GET，检查与刷新在一条命令内完成（需要 Redis 6.2+）。
func (r *RedisMarkerStore) Touch(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	_, err := r.client.SetArgs(ctx, r.key(key), value, redis.SetArgs{TTL: ttl, Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("touch marker: %w", err)
	}
	return true, nil
}

func (r *RedisMarkerStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete marker: %w", err)
	}
	return nil
}

func (r *RedisMarkerStore) Present(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget markers: %w", err)
	}
	for i, v := range vals {
		out[keys[i]] = v != nil
	}
	return out, nil
}

func (r *RedisMarkerStore) Expired(ctx context.Context) (<-chan string, error) {
	return watchKeyEvents(ctx, r.client, MarkerPrefix, "expired")
}

// RedisBackplane 通过 Redis PUBLISH/SUBSCRIBE 在进程间转发消息。
type RedisBackplane struct {
	client  *redis.Client
	channel string
}

func NewRedisBackplane(client *redis.Client, channel string) *RedisBackplane {
	return &RedisBackplane{client: client, channel: channel}
}

func (r *RedisBackplane) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (r *RedisBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var (
	_ SessionStore = (*RedisSessionStore)(nil)
	_ MarkerStore  = (*RedisMarkerStore)(nil)
	_ Backplane    = (*RedisBackplane)(nil)
)

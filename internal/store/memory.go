package store

import (
	"context"
	"sync"
	"time"

	"chatbridge/internal/models"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

const notifyBuffer = 64

// fanout 把同一个通知分发给所有订阅者，订阅者跟不上时丢弃（与 Redis pub/sub 语义一致）。
type fanout[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
	size int
}

func (f *fanout[T]) subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, f.size)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan T]struct{})
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *fanout[T]) emit(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			log.Warn().Msg("notification dropped, subscriber too slow")
		}
	}
}

// MemorySessionStore 基于 ttlcache 的进程内会话存储，仅适用于单进程部署。
type MemorySessionStore struct {
	cache   *ttlcache.Cache[string, *models.Session]
	removed fanout[string]
	once    sync.Once
}

func NewMemorySessionStore() *MemorySessionStore {
	c := ttlcache.New[string, *models.Session](
		ttlcache.WithDisableTouchOnHit[string, *models.Session](),
	)
	s := &MemorySessionStore{cache: c, removed: fanout[string]{size: notifyBuffer}}
	c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *models.Session]) {
		if reason == ttlcache.EvictionReasonExpired || reason == ttlcache.EvictionReasonDeleted {
			s.removed.emit(item.Key())
		}
	})
	go c.Start()
	return s
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Value().Clone(), nil
}

func (s *MemorySessionStore) Set(_ context.Context, id string, sess *models.Session, ttl time.Duration) error {
	s.cache.Set(id, sess.Clone(), ttl)
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

func (s *MemorySessionStore) All(_ context.Context) ([]*models.Session, error) {
	items := s.cache.Items()
	out := make([]*models.Session, 0, len(items))
	for _, item := range items {
		if item.IsExpired() {
			continue
		}
		out = append(out, item.Value().Clone())
	}
	return out, nil
}

func (s *MemorySessionStore) Removed(ctx context.Context) (<-chan string, error) {
	return s.removed.subscribe(ctx), nil
}

// Close 停止过期清理协程。
func (s *MemorySessionStore) Close() error {
	s.once.Do(s.cache.Stop)
	return nil
}

// MemoryMarkerStore 基于 ttlcache 的进程内在线标记存储。
type MemoryMarkerStore struct {
	mu      sync.Mutex
	cache   *ttlcache.Cache[string, string]
	expired fanout[string]
	once    sync.Once
}

func NewMemoryMarkerStore() *MemoryMarkerStore {
	c := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	s := &MemoryMarkerStore{cache: c, expired: fanout[string]{size: notifyBuffer}}
	c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, string]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.expired.emit(item.Key())
		}
	})
	go c.Start()
	return s
}

func (s *MemoryMarkerStore) Get(_ context.Context, key string) (string, error) {
	item := s.cache.Get(key)
	if item == nil {
		return "", ErrNotFound
	}
	return item.Value(), nil
}

func (s *MemoryMarkerStore) Touch(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := s.cache.Get(key) != nil
	s.cache.Set(key, value, ttl)
	return existed, nil
}

func (s *MemoryMarkerStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryMarkerStore) Present(_ context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = s.cache.Get(k) != nil
	}
	return out, nil
}

func (s *MemoryMarkerStore) Expired(ctx context.Context) (<-chan string, error) {
	return s.expired.subscribe(ctx), nil
}

func (s *MemoryMarkerStore) Close() error {
	s.once.Do(s.cache.Stop)
	return nil
}

// MemoryBus 是进程内的 Backplane，多个 Engine 共享同一个 MemoryBus 即可模拟多进程部署。
type MemoryBus struct {
	subs fanout[[]byte]
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: fanout[[]byte]{size: 256}}
}

func (b *MemoryBus) Publish(_ context.Context, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.subs.emit(cp)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	return b.subs.subscribe(ctx), nil
}

var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ MarkerStore  = (*MemoryMarkerStore)(nil)
	_ Backplane    = (*MemoryBus)(nil)
)

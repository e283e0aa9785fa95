package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/store"

	"github.com/stretchr/testify/require"
)

const (
	testTTL  = time.Minute
	testWait = 2 * time.Second
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []models.Frame
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) bool {
	var f models.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) all() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Frame(nil), c.frames...)
}

func (c *fakeConn) events(event string) []models.Frame {
	var out []models.Frame
	for _, f := range c.all() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) messages() []models.Message {
	var out []models.Message
	for _, f := range c.events(models.EventChatMessage) {
		var m models.Message
		if json.Unmarshal(f.Data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) bodies() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.Body)
	}
	return out
}

func (c *fakeConn) errorCodes() []string {
	var out []string
	for _, f := range c.events(models.EventError) {
		var p models.ErrorPayload
		if json.Unmarshal(f.Data, &p) == nil {
			out = append(out, p.Code)
		}
	}
	return out
}

// fakeLocals 模拟 ws.Hub。
type fakeLocals struct {
	mu    sync.Mutex
	conns map[string]Conn
	order []string
}

func newFakeLocals() *fakeLocals { return &fakeLocals{conns: make(map[string]Conn)} }

func (l *fakeLocals) Add(c Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.conns[c.ID()]; !ok {
		l.order = append(l.order, c.ID())
	}
	l.conns[c.ID()] = c
}

func (l *fakeLocals) Broadcast(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.order {
		if c, ok := l.conns[id]; ok {
			c.Send(frame)
		}
	}
}

func (l *fakeLocals) SendTo(id string, frame []byte) bool {
	l.mu.Lock()
	c, ok := l.conns[id]
	l.mu.Unlock()
	if !ok {
		return false
	}
	return c.Send(frame)
}

var errBadCookie = errors.New("bad cookie")

// fakeCookies 把 cookie 原样当作会话 id。
type fakeCookies struct{}

func (fakeCookies) Decode(raw string) (string, error) {
	if raw == "" || raw == "garbage" {
		return "", errBadCookie
	}
	return raw, nil
}

type announcerFunc func(ctx context.Context) error

func (f announcerFunc) AnnounceLocal(ctx context.Context) error { return f(ctx) }

// node 是一个进程内的完整服务组合，多个 node 共享存储与 bus 即模拟多进程部署。
type node struct {
	locals   *fakeLocals
	engine   *Engine
	registry *Registry
	presence *Presence
	bridge   *Bridge
}

type cluster struct {
	sessions *store.MemorySessionStore
	markers  *store.MemoryMarkerStore
	bus      *store.MemoryBus
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	cl := &cluster{
		sessions: store.NewMemorySessionStore(),
		markers:  store.NewMemoryMarkerStore(),
		bus:      store.NewMemoryBus(),
	}
	t.Cleanup(func() {
		_ = cl.sessions.Close()
		_ = cl.markers.Close()
	})
	return cl
}

func (cl *cluster) node(t *testing.T, historySize int) *node {
	t.Helper()
	n := &node{locals: newFakeLocals()}
	n.presence = NewPresence(cl.markers, testTTL)
	n.registry = NewRegistry(cl.sessions, n.presence)
	n.bridge = NewBridge(cl.sessions, fakeCookies{}, testTTL)
	n.engine = NewEngine(n.locals, cl.bus, n.registry, historySize, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, n.engine.Start(ctx))
	return n
}

// login 写入一条已登录会话并返回绑定到 endpoint 的 handle。
func (cl *cluster) login(t *testing.T, n *node, sid, nick, endpoint string) *Handle {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, cl.sessions.Set(ctx, sid, &models.Session{ID: sid, Authenticated: true, Nick: nick, Color: "#ABCDEF"}, testTTL))
	h, err := n.bridge.Authenticate(ctx, sid, endpoint)
	require.NoError(t, err)
	_, err = n.presence.Touch(ctx, nick)
	require.NoError(t, err)
	return h
}

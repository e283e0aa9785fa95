package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_HistoryReplayedToNewConnection(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	ctx := context.Background()
	h := cl.login(t, n, "sid-a", "alice", "ep-a")
	sender := newFakeConn("ep-a")
	n.engine.OnConnect(sender)

	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, n.engine.HandleGroupMessage(ctx, sender, h.User(), body))
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, sender.bodies())

	late := newFakeConn("ep-late")
	n.engine.OnConnect(late)
	assert.Equal(t, []string{"m3", "m4", "m5"}, late.bodies())

	require.NoError(t, n.engine.HandleGroupMessage(ctx, sender, h.User(), "m6"))
	assert.Equal(t, []string{"m3", "m4", "m5", "m6"}, late.bodies(), "replay before live, no duplicates")
}

func TestEngine_GroupMessageStamped(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	fixed := time.UnixMilli(1700000000123)
	n.engine.now = func() time.Time { return fixed }
	h := cl.login(t, n, "sid-a", "alice", "ep-a")
	c := newFakeConn("ep-a")
	n.engine.OnConnect(c)

	require.NoError(t, n.engine.HandleGroupMessage(context.Background(), c, h.User(), "hello"))
	msgs := c.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1700000000123), msgs[0].Timestamp)
	assert.Equal(t, models.User{Nick: "alice", Color: "#ABCDEF"}, msgs[0].User)
	assert.Nil(t, msgs[0].To)
}

func TestEngine_ValidationErrorsStayWithSender(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	ctx := context.Background()
	h := cl.login(t, n, "sid-a", "alice", "ep-a")
	sender := newFakeConn("ep-a")
	other := newFakeConn("ep-b")
	n.engine.OnConnect(sender)
	n.engine.OnConnect(other)

	tests := []struct {
		name string
		body string
		want error
		code string
	}{
		{"empty", "", ErrEmptyMessage, "EmptyMessage"},
		{"too large", strings.Repeat("x", 1001), ErrTooLarge, "TooLarge"},
		{"too large in runes", strings.Repeat("é", 1001), ErrTooLarge, "TooLarge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := n.engine.HandleGroupMessage(ctx, sender, h.User(), tt.body)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.code, Code(err))
		})
	}
	assert.Equal(t, []string{"EmptyMessage", "TooLarge", "TooLarge"}, sender.errorCodes())
	assert.Empty(t, other.all())
	assert.Empty(t, n.engine.History())

	require.NoError(t, n.engine.HandleGroupMessage(ctx, sender, h.User(), strings.Repeat("é", 1000)))
	assert.Len(t, n.engine.History(), 1)
}

func TestEngine_DirectMessageLocal(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	ctx := context.Background()
	ha := cl.login(t, n, "sid-a", "alice", "ep-a")
	cl.login(t, n, "sid-b", "bobby", "ep-b")
	a, b, c := newFakeConn("ep-a"), newFakeConn("ep-b"), newFakeConn("ep-c")
	for _, conn := range []*fakeConn{a, b, c} {
		n.engine.OnConnect(conn)
	}

	require.NoError(t, n.engine.HandleDirectMessage(ctx, a, ha.User(), "bobby", "psst"))

	got := b.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "psst", got[0].Body)
	require.NotNil(t, got[0].To)
	assert.Equal(t, "bobby", got[0].To.Nick)
	assert.Equal(t, []string{"psst"}, a.bodies(), "sender gets an echo")
	assert.Empty(t, c.all())
	assert.Empty(t, n.engine.History(), "direct messages are not replayed")
}

func TestEngine_DirectMessageToSelfDeliveredOnce(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	ha := cl.login(t, n, "sid-a", "alice", "ep-a")
	a := newFakeConn("ep-a")
	n.engine.OnConnect(a)

	require.NoError(t, n.engine.HandleDirectMessage(context.Background(), a, ha.User(), "alice", "note"))
	assert.Equal(t, []string{"note"}, a.bodies())
}

func TestEngine_DirectMessageUnknownRecipient(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	ctx := context.Background()
	ha := cl.login(t, n, "sid-a", "alice", "ep-a")
	require.NoError(t, cl.sessions.Set(ctx, "sid-g", &models.Session{ID: "sid-g", Authenticated: true, Nick: "ghost"}, testTTL))
	a, b := newFakeConn("ep-a"), newFakeConn("ep-b")
	n.engine.OnConnect(a)
	n.engine.OnConnect(b)

	err := n.engine.HandleDirectMessage(ctx, a, ha.User(), "nobody", "hi")
	assert.ErrorIs(t, err, ErrUserNotFound)
	err = n.engine.HandleDirectMessage(ctx, a, ha.User(), "ghost", "hi")
	assert.ErrorIs(t, err, ErrUserNotFound, "record without endpoint")

	assert.Equal(t, []string{"UserNotFound", "UserNotFound"}, a.errorCodes())
	assert.Empty(t, b.all())
}

func TestEngine_CrossNodeDelivery(t *testing.T) {
	cl := newCluster(t)
	n1 := cl.node(t, 3)
	n2 := cl.node(t, 3)
	ctx := context.Background()
	ha := cl.login(t, n1, "sid-a", "alice", "ep-a")
	cl.login(t, n2, "sid-b", "bobby", "ep-b")
	a, b := newFakeConn("ep-a"), newFakeConn("ep-b")
	n1.engine.OnConnect(a)
	n2.engine.OnConnect(b)

	require.NoError(t, n1.engine.HandleGroupMessage(ctx, a, ha.User(), "m1"))
	require.NoError(t, n1.engine.HandleGroupMessage(ctx, a, ha.User(), "m2"))
	require.NoError(t, n1.engine.HandleDirectMessage(ctx, a, ha.User(), "bobby", "dm"))

	require.Eventually(t, func() bool { return len(b.bodies()) == 3 }, testWait, 10*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "dm"}, b.bodies())
	assert.Equal(t, []string{"m1", "m2", "dm"}, a.bodies(), "origin delivers locally once")

	late := newFakeConn("ep-late")
	n2.engine.OnConnect(late)
	assert.Equal(t, []string{"m1", "m2"}, late.bodies(), "remote chat kept in history")
}

func TestEngine_AnnounceUsers(t *testing.T) {
	cl := newCluster(t)
	n1 := cl.node(t, 3)
	n2 := cl.node(t, 3)
	ctx := context.Background()
	cl.login(t, n1, "sid-a", "alice", "ep-a")
	a, b := newFakeConn("ep-a"), newFakeConn("ep-b")
	n1.engine.OnConnect(a)
	n2.engine.OnConnect(b)

	require.NoError(t, n1.engine.AnnounceUsers(ctx))
	assert.Len(t, a.events(models.EventUpdate), 1)
	require.Eventually(t, func() bool { return len(b.events(models.EventUpdate)) == 1 }, testWait, 10*time.Millisecond)

	require.NoError(t, n2.engine.AnnounceLocal(ctx))
	assert.Len(t, b.events(models.EventUpdate), 2)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.events(models.EventUpdate), 1, "local announcements stay local")
}

func TestEngine_SendInit(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	h := cl.login(t, n, "sid-a", "alice", "ep-a")
	a := newFakeConn("ep-a")

	require.NoError(t, n.engine.SendInit(context.Background(), a, h.User()))
	frames := a.events(models.EventInit)
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0].Data), `"alice"`)
}

func TestEngine_IgnoresGarbageEnvelopes(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	a := newFakeConn("ep-a")
	n.engine.OnConnect(a)

	bus := store.Backplane(cl.bus)
	require.NoError(t, bus.Publish(context.Background(), []byte("not json")))
	require.NoError(t, bus.Publish(context.Background(), []byte(`{"origin":"x","kind":"chat"}`)))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.all())
}

func TestAccounts_LoginLogout(t *testing.T) {
	cl := newCluster(t)
	n := cl.node(t, 3)
	ctx := context.Background()
	acc := NewAccounts(saverFunc(func(ctx context.Context, s *models.Session) error {
		return cl.sessions.Set(ctx, s.ID, s, testTTL)
	}), n.registry, n.presence, n.engine)
	watcher := newFakeConn("ep-w")
	n.engine.OnConnect(watcher)

	sess := &models.Session{ID: "sid-a"}
	assert.ErrorIs(t, acc.Login(ctx, sess, "a!"), ErrInvalidNick)
	require.NoError(t, acc.Login(ctx, sess, "alice"))
	assert.True(t, sess.Authenticated)
	assert.Regexp(t, `^#[0-9A-F]{6}$`, sess.Color)
	assert.Len(t, watcher.events(models.EventUpdate), 1)

	color := sess.Color
	require.NoError(t, acc.Login(ctx, sess, "alice"))
	assert.Equal(t, color, sess.Color, "repeat login is a no-op")

	other := &models.Session{ID: "sid-b"}
	assert.ErrorIs(t, acc.Login(ctx, other, "alice"), ErrNickTaken)

	_, err := n.presence.Touch(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, cl.sessions.Delete(ctx, "sid-a"))
	acc.Logout(ctx, sess)
	online, err := n.presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
	ok, err := n.registry.CheckNicknameAvailable(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

type saverFunc func(ctx context.Context, s *models.Session) error

func (f saverFunc) Save(ctx context.Context, s *models.Session) error { return f(ctx, s) }

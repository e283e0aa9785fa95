package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"chatbridge/internal/metrics"
	"chatbridge/internal/models"
	"chatbridge/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Conn 是本进程持有的一条连接。Send 不阻塞，连接已关闭或过慢时返回 false。
type Conn interface {
	ID() string
	Send(frame []byte) bool
}

// Locals 是本进程连接的集合。
type Locals interface {
	Add(c Conn)
	Broadcast(frame []byte)
	SendTo(endpointID string, frame []byte) bool
}

// 信封类型。
const (
	kindChat   = "chat"
	kindDirect = "direct"
	kindUsers  = "users"
)

// envelope 是 backplane 上传递的内容。
type envelope struct {
	Origin  string                     `json:"origin"`
	Kind    string                     `json:"kind"`
	Target  string                     `json:"target,omitempty"`
	Message *models.Message            `json:"message,omitempty"`
	Users   map[string]models.UserInfo `json:"users,omitempty"`
}

// Engine 负责校验、打时间戳并分发聊天消息：本进程内直接投递，其他进程经 backplane 转发。
// mu 把“写入历史”与“本地投递”串行化，因此本进程内所有连接看到的顺序与接收顺序一致，
// 新连接的历史回放也不会与实时消息交错或重复。
type Engine struct {
	node      string
	maxLen    int
	locals    Locals
	backplane store.Backplane
	directory Directory
	now       func() time.Time

	mu      sync.Mutex
	history *History
}

func NewEngine(locals Locals, backplane store.Backplane, directory Directory, historySize, maxLen int) *Engine {
	return &Engine{
		node:      uuid.NewString(),
		maxLen:    maxLen,
		locals:    locals,
		backplane: backplane,
		directory: directory,
		now:       time.Now,
		history:   NewHistory(historySize),
	}
}

// Node 返回本进程在 backplane 上的标识。
func (e *Engine) Node() string { return e.node }

// Start 订阅 backplane 并在后台处理其他进程发来的信封。
func (e *Engine) Start(ctx context.Context) error {
	ch, err := e.backplane.Subscribe(ctx)
	if err != nil {
		return storeErr("subscribe backplane", err)
	}
	go func() {
		for payload := range ch {
			e.receive(payload)
		}
	}()
	return nil
}

// OnConnect 按原始顺序把历史回放给新连接，然后才把它加入本地集合。
// 回放只发给这一条连接，不经过 backplane。
func (e *Engine) OnConnect(c Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.history.Snapshot() {
		frame, err := models.EncodeFrame(models.EventChatMessage, m)
		if err != nil {
			continue
		}
		c.Send(frame)
	}
	e.locals.Add(c)
}

// SendInit 发送 init 事件：当前用户与用户列表。
func (e *Engine) SendInit(ctx context.Context, c Conn, user models.User) error {
	users, err := e.directory.ListOnlineUsers(ctx)
	if err != nil {
		return err
	}
	frame, err := models.EncodeFrame(models.EventInit, models.InitPayload{User: user, Users: users})
	if err != nil {
		return err
	}
	c.Send(frame)
	return nil
}

func (e *Engine) validate(body string) error {
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return ErrEmptyMessage
	}
	if n > e.maxLen {
		return fmt.Errorf("%w [%d]", ErrTooLarge, n)
	}
	return nil
}

// HandleGroupMessage 群发一条消息。校验失败时只给发送者回错误事件，不写历史也不分发。
func (e *Engine) HandleGroupMessage(ctx context.Context, c Conn, from models.User, body string) error {
	if err := e.validate(body); err != nil {
		e.Reject(c, err)
		return err
	}
	msg := models.Message{Body: body, Timestamp: e.now().UnixMilli(), User: from}
	frame, err := models.EncodeFrame(models.EventChatMessage, msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.history.Append(msg)
	e.locals.Broadcast(frame)
	e.mu.Unlock()

	metrics.WsMessagesTotal.WithLabelValues(kindChat).Inc()
	e.publish(ctx, envelope{Kind: kindChat, Message: &msg})
	return nil
}

// HandleDirectMessage 把消息发给指定昵称，并回显给发送者。目标不存在时只通知发送者。
func (e *Engine) HandleDirectMessage(ctx context.Context, c Conn, from models.User, nick, body string) error {
	if err := e.validate(body); err != nil {
		e.Reject(c, err)
		return err
	}
	to, err := e.directory.Lookup(ctx, nick)
	if err == nil && to.EndpointID == "" {
		err = ErrUserNotFound
	}
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			log.Warn().Err(err).Str("nick", nick).Msg("resolve direct message recipient")
		}
		e.Reject(c, err)
		return err
	}

	msg := models.Message{Body: body, Timestamp: e.now().UnixMilli(), User: from, To: &models.User{Nick: to.Nick, Color: to.Color}}
	frame, err := models.EncodeFrame(models.EventChatMessage, msg)
	if err != nil {
		return err
	}
	metrics.WsMessagesTotal.WithLabelValues(kindDirect).Inc()
	c.Send(frame)
	if to.EndpointID == c.ID() {
		return nil
	}
	if e.locals.SendTo(to.EndpointID, frame) {
		return nil
	}
	e.publish(ctx, envelope{Kind: kindDirect, Target: to.EndpointID, Message: &msg})
	return nil
}

// AnnounceUsers 把最新用户列表发给所有进程的连接。用于登录、注销和上线等本进程发起的变化。
func (e *Engine) AnnounceUsers(ctx context.Context) error {
	users, err := e.directory.ListOnlineUsers(ctx)
	if err != nil {
		return err
	}
	e.broadcastUsers(users)
	e.publish(ctx, envelope{Kind: kindUsers, Users: users})
	return nil
}

// AnnounceLocal 只通知本进程的连接。过期通知会送达每个进程，因此各进程各自广播即可。
func (e *Engine) AnnounceLocal(ctx context.Context) error {
	users, err := e.directory.ListOnlineUsers(ctx)
	if err != nil {
		return err
	}
	e.broadcastUsers(users)
	return nil
}

// Reject 给单个连接发送错误事件。
func (e *Engine) Reject(c Conn, err error) {
	if frame := ErrorFrame(err); frame != nil {
		c.Send(frame)
	}
}

// ErrorFrame 编码 error 事件并计数，编码失败返回 nil。
func ErrorFrame(err error) []byte {
	code := Code(err)
	metrics.WsRejectedTotal.WithLabelValues(code).Inc()
	frame, encErr := models.EncodeFrame(models.EventError, models.ErrorPayload{Code: code, Error: err.Error()})
	if encErr != nil {
		return nil
	}
	return frame
}

// History 返回当前历史的副本。
func (e *Engine) History() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Snapshot()
}

func (e *Engine) broadcastUsers(users map[string]models.UserInfo) {
	frame, err := models.EncodeFrame(models.EventUpdate, models.UpdatePayload{Users: users})
	if err != nil {
		return
	}
	e.locals.Broadcast(frame)
}

// publish 尽力而为：失败只影响其他进程，本地投递已经完成。
func (e *Engine) publish(ctx context.Context, env envelope) {
	env.Origin = e.node
	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("kind", env.Kind).Msg("encode envelope")
		return
	}
	if err := e.backplane.Publish(ctx, payload); err != nil {
		log.Warn().Err(err).Str("kind", env.Kind).Msg("publish envelope")
		return
	}
	metrics.BackplaneEnvelopes.WithLabelValues("out", env.Kind).Inc()
}

func (e *Engine) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("decode envelope")
		return
	}
	// 自己发布的信封在本地已经投递过
	if env.Origin == e.node {
		return
	}
	metrics.BackplaneEnvelopes.WithLabelValues("in", env.Kind).Inc()
	switch env.Kind {
	case kindChat:
		if env.Message == nil {
			return
		}
		frame, err := models.EncodeFrame(models.EventChatMessage, env.Message)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.history.Append(*env.Message)
		e.locals.Broadcast(frame)
		e.mu.Unlock()
	case kindDirect:
		if env.Message == nil || env.Target == "" {
			return
		}
		frame, err := models.EncodeFrame(models.EventChatMessage, env.Message)
		if err != nil {
			return
		}
		e.locals.SendTo(env.Target, frame)
	case kindUsers:
		e.broadcastUsers(env.Users)
	default:
		log.Debug().Str("kind", env.Kind).Msg("unknown envelope kind")
	}
}

var _ Announcer = (*Engine)(nil)

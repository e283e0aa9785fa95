package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chatbridge/internal/config"
	"chatbridge/internal/models"
	"chatbridge/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait   = 10 * time.Second
	opTimeout   = 5 * time.Second
	sendBuffer  = 256
	maxReadSize = 1 << 20 // 1MB
)

// Client 是一条长连接。done 关闭后不再处理入站帧，也不再写出缓冲中的帧。
type Client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	final     chan []byte
	done      chan struct{}
	written   chan struct{}
	once      sync.Once
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		final:   make(chan []byte, 1),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) SessionID() string { return c.sessionID }

// Send 不阻塞：连接已断开或队列已满时返回 false。
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close 断开连接，可重复调用。
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// closeWith 在断开前写出最后一帧（通常是 error 事件）。
func (c *Client) closeWith(frame []byte) {
	if frame != nil {
		select {
		case c.final <- frame:
		default:
		}
	}
	c.Close()
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Services 是长连接处理所需的业务组件。
type Services struct {
	Bridge   *service.Bridge
	Presence *service.Presence
	Engine   *service.Engine
	Hub      *Hub
}

// session 是一条已认证连接的处理状态，只在读协程中使用。
type session struct {
	svc    Services
	cfg    config.Config
	client *Client
	handle *service.Handle
}

// Serve 升级连接并用 HTTP 会话 cookie 认证。认证失败时仍完成升级，
// 发送 error 事件后关闭，客户端据此提示重新登录。
func Serve(svc Services, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, _ := c.Cookie(cfg.CookieName)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(uuid.NewString(), conn)

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		handle, err := svc.Bridge.Authenticate(ctx, raw, client.id)
		cancel()
		if err != nil {
			log.Info().Err(err).Str("conn_id", client.id).Msg("reject connection")
			client.closeWith(service.ErrorFrame(err))
			client.writePump(cfg.PingInterval())
			return
		}
		client.sessionID = handle.SessionID

		s := &session{svc: svc, cfg: cfg, client: client, handle: handle}
		go client.writePump(cfg.PingInterval())
		s.open()
		s.readPump()
	}
}

// open 发送 init，回放历史并加入本地集合；首次上线时广播用户列表。
func (s *session) open() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	log.Info().Str("conn_id", s.client.id).Str("session_id", s.handle.SessionID).
		Str("nick", s.handle.Record.Nick).Msg("connection established")

	wasOnline, err := s.svc.Presence.Touch(ctx, s.handle.Record.Nick)
	if err != nil {
		log.Warn().Err(err).Str("nick", s.handle.Record.Nick).Msg("touch presence")
		wasOnline = true
	}
	if err := s.svc.Engine.SendInit(ctx, s.client, s.handle.User()); err != nil {
		log.Warn().Err(err).Str("conn_id", s.client.id).Msg("send init")
	}
	s.svc.Engine.OnConnect(s.client)
	if !wasOnline {
		if err := s.svc.Engine.AnnounceUsers(ctx); err != nil {
			log.Warn().Err(err).Msg("announce users")
		}
	}
}

func (s *session) readDeadline() time.Time {
	return time.Now().Add(s.cfg.PingInterval() + s.cfg.PongTimeout())
}

// touch 刷新在线标记，离线→在线 时广播用户列表。
func (s *session) touch(ctx context.Context) {
	wasOnline, err := s.svc.Presence.Touch(ctx, s.handle.Record.Nick)
	if err != nil {
		log.Warn().Err(err).Str("nick", s.handle.Record.Nick).Msg("touch presence")
		return
	}
	if !wasOnline {
		if err := s.svc.Engine.AnnounceUsers(ctx); err != nil {
			log.Warn().Err(err).Msg("announce users")
		}
	}
}

func (s *session) close() {
	c := s.client
	s.svc.Hub.Remove(c)
	c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s.svc.Bridge.Release(ctx, s.handle, s.svc.Hub.EndpointFor(c.sessionID, c.id))
	log.Info().Str("conn_id", c.id).Str("nick", s.handle.Record.Nick).Msg("connection closed")
}

func (s *session) readPump() {
	c := s.client
	defer func() {
		s.close()
		// 等写协程写完最后一帧和关闭帧
		select {
		case <-c.written:
		case <-time.After(writeWait):
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(s.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(s.readDeadline())
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		s.touch(ctx)
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("read")
			}
			return
		}
		if c.closed() {
			return
		}
		_ = c.conn.SetReadDeadline(s.readDeadline())
		var f models.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug().Err(err).Str("conn_id", c.id).Msg("malformed frame")
			continue
		}
		if !s.dispatch(f) {
			return
		}
	}
}

// dispatch 处理一帧，返回 false 表示连接必须断开。
func (s *session) dispatch(f models.Frame) bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := s.svc.Bridge.Refresh(ctx, s.handle); err != nil {
		log.Info().Err(err).Str("conn_id", s.client.id).Str("session_id", s.handle.SessionID).Msg("session refresh")
		s.client.closeWith(service.ErrorFrame(err))
		return false
	}
	s.touch(ctx)

	switch f.Event {
	case models.EventChatMessage:
		var body string
		if err := json.Unmarshal(f.Data, &body); err != nil {
			log.Debug().Err(err).Str("conn_id", s.client.id).Msg("malformed chat message")
			return true
		}
		s.handle.Record.ChatCount++
		s.svc.Bridge.Persist(ctx, s.handle)
		if err := s.svc.Engine.HandleGroupMessage(ctx, s.client, s.handle.User(), body); err != nil {
			log.Debug().Err(err).Str("conn_id", s.client.id).Msg("chat message rejected")
		}
	case models.EventDirectMessage:
		var p models.DirectPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			log.Debug().Err(err).Str("conn_id", s.client.id).Msg("malformed direct message")
			return true
		}
		s.handle.Record.DMCount++
		s.svc.Bridge.Persist(ctx, s.handle)
		if err := s.svc.Engine.HandleDirectMessage(ctx, s.client, s.handle.User(), p.Nick, p.Message); err != nil {
			log.Debug().Err(err).Str("conn_id", s.client.id).Msg("direct message rejected")
		}
	default:
		log.Debug().Str("event", f.Event).Str("conn_id", s.client.id).Msg("unknown event")
	}
	return true
}

func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.written)
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			select {
			case frame := <-c.final:
				_ = c.conn.WriteMessage(websocket.TextMessage, frame)
			default:
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			if c.closed() {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.Close()
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

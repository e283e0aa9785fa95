package models

import "encoding/json"

// Session 是会话存储中的一条记录，由 HTTP 登录流程与长连接两侧共同读写。
type Session struct {
	ID            string `json:"id"`
	Authenticated bool   `json:"auth"`
	Nick          string `json:"nick,omitempty"`
	Color         string `json:"color,omitempty"`
	ChatCount     int    `json:"chat_count"`
	DMCount       int    `json:"dm_count"`
	EndpointID    string `json:"endpoint_id,omitempty"`
}

// Clone 返回记录的独立副本，避免跨连接共享可变状态。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// User 是消息中携带的发送者展示信息。
type User struct {
	Nick  string `json:"nick"`
	Color string `json:"color"`
}

// 在线状态取值。
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserInfo 是用户列表中的一项。
type UserInfo struct {
	Nick       string `json:"nick"`
	Color      string `json:"color"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Status     string `json:"status"`
}

// Message 创建后不再修改；To 为空表示群发。
type Message struct {
	Body      string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	User      User   `json:"user"`
	To        *User  `json:"to,omitempty"`
}

// 长连接事件名，沿用客户端约定。
const (
	EventInit          = "init"
	EventUpdate        = "update"
	EventChatMessage   = "chat message"
	EventDirectMessage = "direct message"
	EventError         = "error"
)

// Frame 是长连接上收发的一帧。
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DirectPayload 是 direct message 帧的数据部分。
type DirectPayload struct {
	Nick    string `json:"nick"`
	Message string `json:"message"`
}

type InitPayload struct {
	User  User                `json:"user"`
	Users map[string]UserInfo `json:"users"`
}

type UpdatePayload struct {
	Users map[string]UserInfo `json:"users"`
}

type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// EncodeFrame 将事件与数据编码为一帧。
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

package service

import (
	"context"

	"chatbridge/internal/auth"
	"chatbridge/internal/models"

	"github.com/rs/zerolog/log"
)

// SessionSaver 写回 HTTP 请求上的会话记录。
type SessionSaver interface {
	Save(ctx context.Context, sess *models.Session) error
}

// UserAnnouncer 向所有进程广播用户列表。
type UserAnnouncer interface {
	AnnounceUsers(ctx context.Context) error
}

// Accounts 处理登录与注销：把匿名会话升级为已登录会话，之后由长连接接手。
type Accounts struct {
	sessions  SessionSaver
	directory Directory
	presence  *Presence
	announcer UserAnnouncer
}

func NewAccounts(sessions SessionSaver, directory Directory, presence *Presence, announcer UserAnnouncer) *Accounts {
	return &Accounts{sessions: sessions, directory: directory, presence: presence, announcer: announcer}
}

// Login 校验昵称并写入会话。已用同一昵称登录的会话重复登录不做任何事。
func (a *Accounts) Login(ctx context.Context, sess *models.Session, nick string) error {
	if !auth.ValidNick(nick) {
		return ErrInvalidNick
	}
	if sess.Authenticated && sess.Nick == nick {
		return nil
	}
	ok, err := a.directory.CheckNicknameAvailable(ctx, nick)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNickTaken
	}
	color, err := auth.RandomColor()
	if err != nil {
		return err
	}
	sess.Authenticated = true
	sess.Nick = nick
	sess.Color = color
	if err := a.sessions.Save(ctx, sess); err != nil {
		return storeErr("save session", err)
	}
	log.Info().Str("nick", nick).Str("session_id", sess.ID).Msg("user logged in")
	a.announce(ctx)
	return nil
}

// Logout 在会话记录删除之后调用：清掉在线标记并广播新的用户列表。
func (a *Accounts) Logout(ctx context.Context, sess *models.Session) {
	if sess == nil || !sess.Authenticated {
		return
	}
	if err := a.presence.Clear(ctx, sess.Nick); err != nil {
		log.Warn().Err(err).Str("nick", sess.Nick).Msg("clear presence on logout")
	}
	log.Info().Str("nick", sess.Nick).Str("session_id", sess.ID).Msg("user logged out")
	a.announce(ctx)
}

func (a *Accounts) announce(ctx context.Context) {
	if err := a.announcer.AnnounceUsers(ctx); err != nil {
		log.Warn().Err(err).Msg("announce users")
	}
}

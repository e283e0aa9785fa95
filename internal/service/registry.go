package service

import (
	"context"

	"chatbridge/internal/models"
	"chatbridge/internal/store"
)

// Directory 是“谁在线”的查询接口。Registry 通过枚举会话实现它，
// 以后换成带索引的实现时调用方无需改动。
type Directory interface {
	ListOnlineUsers(ctx context.Context) (map[string]models.UserInfo, error)
	Lookup(ctx context.Context, nick string) (models.UserInfo, error)
	ResolveEndpoint(ctx context.Context, nick string) (string, error)
	CheckNicknameAvailable(ctx context.Context, nick string) (bool, error)
}

// Registry 通过枚举全部会话记录推导已登录用户，复杂度 O(会话总数)，
// 只适用于小规模部署。
type Registry struct {
	sessions store.SessionStore
	presence *Presence
}

func NewRegistry(sessions store.SessionStore, presence *Presence) *Registry {
	return &Registry{sessions: sessions, presence: presence}
}

// authenticated 返回已登录的记录，同一昵称出现多次时优先保留有 endpoint 的那条。
func (r *Registry) authenticated(ctx context.Context) (map[string]*models.Session, error) {
	all, err := r.sessions.All(ctx)
	if err != nil {
		return nil, storeErr("enumerate sessions", err)
	}
	out := make(map[string]*models.Session, len(all))
	for _, s := range all {
		if !s.Authenticated || s.Nick == "" {
			continue
		}
		if prev, ok := out[s.Nick]; ok && prev.EndpointID != "" && s.EndpointID == "" {
			continue
		}
		out[s.Nick] = s
	}
	return out, nil
}

// ListOnlineUsers 返回全部已登录用户，status 取自在线标记。
func (r *Registry) ListOnlineUsers(ctx context.Context) (map[string]models.UserInfo, error) {
	recs, err := r.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	nicks := make([]string, 0, len(recs))
	for nick := range recs {
		nicks = append(nicks, nick)
	}
	present, err := r.presence.Statuses(ctx, nicks)
	if err != nil {
		return nil, err
	}
	users := make(map[string]models.UserInfo, len(recs))
	for nick, s := range recs {
		status := models.StatusOffline
		if present[nick] {
			status = models.StatusOnline
		}
		users[nick] = models.UserInfo{Nick: nick, Color: s.Color, EndpointID: s.EndpointID, Status: status}
	}
	return users, nil
}

// Online 只保留在线标记存在的用户。
func (r *Registry) Online(ctx context.Context) (map[string]models.UserInfo, error) {
	users, err := r.ListOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	for nick, u := range users {
		if u.Status != models.StatusOnline {
			delete(users, nick)
		}
	}
	return users, nil
}

// Lookup 按昵称查找已登录用户，不存在时返回 ErrUserNotFound。
func (r *Registry) Lookup(ctx context.Context, nick string) (models.UserInfo, error) {
	recs, err := r.authenticated(ctx)
	if err != nil {
		return models.UserInfo{}, err
	}
	s, ok := recs[nick]
	if !ok {
		return models.UserInfo{}, ErrUserNotFound
	}
	return models.UserInfo{Nick: s.Nick, Color: s.Color, EndpointID: s.EndpointID}, nil
}

// ResolveEndpoint 返回昵称的代表 endpoint id。
func (r *Registry) ResolveEndpoint(ctx context.Context, nick string) (string, error) {
	u, err := r.Lookup(ctx, nick)
	if err != nil {
		return "", err
	}
	return u.EndpointID, nil
}

// CheckNicknameAvailable 在登录时调用。检查与写入之间存在竞态：
// 两个并发登录可能同时通过检查，这里不做补偿。
func (r *Registry) CheckNicknameAvailable(ctx context.Context, nick string) (bool, error) {
	recs, err := r.authenticated(ctx)
	if err != nil {
		return false, err
	}
	_, taken := recs[nick]
	return !taken, nil
}

var _ Directory = (*Registry)(nil)

package service

import (
	"errors"
	"fmt"
)

// Kind 区分错误的处理方式。
type Kind int

const (
	// KindAuth 终止连接，不重试。
	KindAuth Kind = iota + 1
	// KindValidation 只通知发起连接，连接保持。
	KindValidation
	// KindStore 存储或广播通道的瞬时故障。
	KindStore
)

// Error 携带发送给客户端的错误码。
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrNoSession        = &Error{Kind: KindAuth, Code: "AuthError.NoSession", msg: "no session found for this connection, please sign in"}
	ErrNotAuthenticated = &Error{Kind: KindAuth, Code: "AuthError.NotAuthenticated", msg: "you are not logged in"}
	ErrSessionLost      = &Error{Kind: KindAuth, Code: "AuthError.SessionLost", msg: "session expired or logged out, please sign in again"}

	ErrEmptyMessage = &Error{Kind: KindValidation, Code: "EmptyMessage", msg: "message has length of 0"}
	ErrTooLarge     = &Error{Kind: KindValidation, Code: "TooLarge", msg: "message too big"}
	ErrUserNotFound = &Error{Kind: KindValidation, Code: "UserNotFound", msg: "user does not exist"}

	ErrInvalidNick = &Error{Kind: KindValidation, Code: "InvalidNick", msg: "invalid nick"}
	ErrNickTaken   = &Error{Kind: KindValidation, Code: "NickTaken", msg: "nick is already being used"}
)

const codeUnavailable = "Unavailable"

// StoreError 包装一次失败的存储或广播操作。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// KindOf 返回错误类别，无法识别的错误按存储故障处理。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// IsAuth 判断错误是否必须断开连接。
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }

// Code 返回错误事件中的错误码。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codeUnavailable
}

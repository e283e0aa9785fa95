package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidCookie 表示 cookie 缺失、格式错误或签名不匹配。
var ErrInvalidCookie = errors.New("invalid session cookie")

// CookieCodec 用 HS256 对会话 id 签名，cookie 中只携带会话 id，会话内容始终存放在存储中。
type CookieCodec struct {
	secret []byte
}

func NewCookieCodec(secret string) *CookieCodec {
	return &CookieCodec{secret: []byte(secret)}
}

// Encode 生成 cookie 值。
func (c *CookieCodec) Encode(sessionID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  sessionID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Decode 校验签名并取出会话 id。会话是否有效由存储的 TTL 决定，cookie 本身不设过期。
func (c *CookieCodec) Decode(raw string) (string, error) {
	if raw == "" {
		return "", ErrInvalidCookie
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.Subject == "" {
		return "", ErrInvalidCookie
	}
	return claims.Subject, nil
}

// NewSessionID 生成不透明的会话 id。
func NewSessionID() string { return uuid.NewString() }

var nickPattern = regexp.MustCompile(`^\w[\w_-]{3,11}$`)

// ValidNick 昵称为 4 到 12 位，字母数字或下划线开头，可含 - 与 _。
func ValidNick(nick string) bool {
	return nickPattern.MatchString(nick)
}

// NickRule 供错误提示使用。
func NickRule() string { return nickPattern.String() }

// RandomColor 生成 #RRGGBB 形式的展示颜色。
func RandomColor() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "#" + strings.ToUpper(hex.EncodeToString(b)), nil
}

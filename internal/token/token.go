// Package token はJWTアクセストークン・リフレッシュトークンの発行と検証を提供する。
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/ssogate/internal/model"
)

// Config はトークンの署名鍵と有効期間。
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

func (c Config) validate() error {
	if c.AccessSecret == "" || c.RefreshSecret == "" {
		return fmt.Errorf("%w: JWT secrets must be set", model.ErrConfiguration)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("%w: token TTLs must be positive", model.ErrConfiguration)
	}
	return nil
}

// AccessClaims はアクセストークンのクレーム。
type AccessClaims struct {
	UserID string     `json:"userId"`
	Email  string     `json:"email"`
	Role   model.Role `json:"role"`
	HsscID string     `json:"hsscId"`
	jwt.RegisteredClaims
}

// RefreshClaims はリフレッシュトークンのクレーム。
// TokenVersionは発行時刻（UNIXミリ秒）、jtiで一意性を保証する。
type RefreshClaims struct {
	UserID       string `json:"userId"`
	TokenVersion int64  `json:"tokenVersion"`
	jwt.RegisteredClaims
}

// Option はIssuer、Verifierの生成オプション。
type Option func(*settings)

type settings struct {
	now func() time.Time
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Hash はトークン文字列のSHA-256ハッシュを16進数で返す。
// 永続化するのはこのハッシュのみで、トークン本体は保存しない。
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

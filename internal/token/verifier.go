package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/ssogate/internal/model"
)

// Verifier はトークンの署名と有効期限を検証する。
// リフレッシュトークンの失効判定はここでは行わない。
type Verifier struct {
	accessKey  []byte
	refreshKey []byte
	now        func() time.Time
}

// NewVerifier はVerifierを生成する。署名鍵が未設定の場合はmodel.ErrConfigurationを返す。
func NewVerifier(cfg Config, opts ...Option) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := newSettings(opts)
	return &Verifier{
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		now:        s.now,
	}, nil
}

// VerifyAccessToken はアクセストークンを検証してクレームを返す。
func (v *Verifier) VerifyAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := v.parse(raw, claims, v.accessKey); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", model.ErrInvalidToken)
	}
	return claims, nil
}

// VerifyRefreshToken はリフレッシュトークンの署名と有効期限のみを検証する。
func (v *Verifier) VerifyRefreshToken(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := v.parse(raw, claims, v.refreshKey); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", model.ErrInvalidToken)
	}
	return claims, nil
}

func (v *Verifier) parse(raw string, claims jwt.Claims, key []byte) error {
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return model.ErrExpiredToken
	}
	return fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
}

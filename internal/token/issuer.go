package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/ssogate/internal/model"
)

// RefreshTokenCreator はリフレッシュトークンの保存先。
type RefreshTokenCreator interface {
	Create(ctx context.Context, token *model.RefreshToken) error
}

// Pair はログイン・リフレッシュ時に返すトークンの組。
type Pair struct {
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
}

// Issuer はアクセストークンとリフレッシュトークンを発行する。
type Issuer struct {
	cfg   Config
	store RefreshTokenCreator
	now   func() time.Time
}

// NewIssuer はIssuerを生成する。署名鍵が未設定の場合はmodel.ErrConfigurationを返す。
func NewIssuer(cfg Config, store RefreshTokenCreator, opts ...Option) (*Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := newSettings(opts)
	return &Issuer{cfg: cfg, store: store, now: s.now}, nil
}

// IssueAccessToken はアクセストークンを発行する。副作用はない。
func (i *Issuer) IssueAccessToken(user *model.User) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.cfg.AccessTTL)
	claims := AccessClaims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		HsscID: user.HsscID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.AccessSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// NewRefreshToken はリフレッシュトークンに署名し、保存用の行を返す。保存は行わない。
// ローテーションのトランザクション内で使用する。
func (i *Issuer) NewRefreshToken(user *model.User) (string, *model.RefreshToken, error) {
	now := i.now()
	expiresAt := now.Add(i.cfg.RefreshTTL)
	claims := RefreshClaims{
		UserID:       user.ID,
		TokenVersion: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.RefreshSecret))
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	row := &model.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: Hash(signed),
		UserID:    user.ID,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	return signed, row, nil
}

// IssueRefreshToken はリフレッシュトークンを発行して保存する。
// 保存に失敗した場合はトークンを返さない。
func (i *Issuer) IssueRefreshToken(ctx context.Context, user *model.User) (string, error) {
	signed, row, err := i.NewRefreshToken(user)
	if err != nil {
		return "", err
	}
	if err := i.store.Create(ctx, row); err != nil {
		return "", fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return signed, nil
}

// IssuePair はアクセストークンと保存済みリフレッシュトークンの組を発行する。
func (i *Issuer) IssuePair(ctx context.Context, user *model.User) (*Pair, error) {
	access, expiresAt, err := i.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}
	refresh, err := i.IssueRefreshToken(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Pair{AccessToken: access, AccessExpiresAt: expiresAt, RefreshToken: refresh}, nil
}

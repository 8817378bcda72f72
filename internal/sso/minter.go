// Package sso はLearnWorlds LMSへのシングルサインオン連携を提供する。
package sso

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/ssogate/internal/model"
)

// DefaultAssertionTTL はSSOトークンの有効期間。
const DefaultAssertionTTL = 5 * time.Minute

// LoginRecorder はSSO発行の監査ログの記録先。
type LoginRecorder interface {
	LoginSucceeded(ctx context.Context, user *model.User, method model.LoginMethod, meta model.RequestMeta)
}

// MinterConfig はSSOトークン発行の設定。
type MinterConfig struct {
	ClientSecret string // LMS_CLIENT_SECRET
	TTL          time.Duration
}

// CustomFields はLearnWorldsのカスタムフィールドに渡すプロフィール項目。
type CustomFields struct {
	MobileNumber   string `json:"mobile_number"`
	Pincode        string `json:"pincode"`
	Gender         string `json:"gender"`
	DateOfBirth    string `json:"date_of_birth"`
	AlternateEmail string `json:"alternate_email"`
	Address        string `json:"address"`
}

// Claims はLMSに渡すSSOトークンのクレーム。
type Claims struct {
	UserID            string       `json:"user_id"`
	Email             string       `json:"email"`
	Name              string       `json:"name"`
	Role              model.Role   `json:"role"`
	HsscID            string       `json:"hssc_id"`
	Institute         string       `json:"institute"`
	InstituteCategory string       `json:"institute_category"`
	FirstName         string       `json:"first_name"`
	LastName          string       `json:"last_name"`
	Username          string       `json:"username"`
	Avatar            string       `json:"avatar"`
	CustomFields      CustomFields `json:"custom_fields"`
	jwt.RegisteredClaims
}

// Assertion は発行したSSOトークンとLMSへのリダイレクトURL。
type Assertion struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

// Minter はLMS向けの署名付きSSOトークンを発行する。
// ゲートウェイは発行したトークンを検証しない。検証はLMS側の責務。
type Minter struct {
	cfg      MinterConfig
	policy   *RedirectPolicy
	recorder LoginRecorder
	now      func() time.Time
}

// NewMinter はMinterを生成する。
// 署名鍵が未設定でも生成でき、Mintの呼び出しごとにmodel.ErrConfigurationを返す。
func NewMinter(cfg MinterConfig, policy *RedirectPolicy, recorder LoginRecorder) *Minter {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAssertionTTL
	}
	return &Minter{cfg: cfg, policy: policy, recorder: recorder, now: time.Now}
}

// NewClaims はユーザーからSSOクレームを組み立てる。
func NewClaims(user *model.User, issuedAt time.Time, ttl time.Duration) Claims {
	first, last, _ := strings.Cut(user.FullName, " ")
	var dob string
	if user.DateOfBirth != nil {
		dob = user.DateOfBirth.Format(time.DateOnly)
	}
	return Claims{
		UserID:            user.ID,
		Email:             user.Email,
		Name:              user.FullName,
		Role:              user.Role,
		HsscID:            user.HsscID,
		Institute:         user.InstituteName,
		InstituteCategory: string(user.InstituteCategory),
		FirstName:         first,
		LastName:          last,
		Username:          user.Email,
		Avatar:            user.ProfilePicture,
		CustomFields: CustomFields{
			MobileNumber:   user.MobileNumber,
			Pincode:        user.Pincode,
			Gender:         user.Gender,
			DateOfBirth:    dob,
			AlternateEmail: user.AlternateEmail,
			Address:        user.Address,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
}

// Mint はSSOトークンを発行し、LMSへのリダイレクトURLを組み立てる。
// redirectURLが空の場合はLMSのURLを使う。許可されていないホストはmodel.ErrInvalidRedirectを返す。
func (m *Minter) Mint(ctx context.Context, user *model.User, redirectURL string, meta model.RequestMeta) (*Assertion, error) {
	if m.cfg.ClientSecret == "" {
		slog.Error("LMS client secret is not configured")
		return nil, fmt.Errorf("%w: LMS client secret is empty", model.ErrConfiguration)
	}

	target, err := m.policy.Resolve(redirectURL)
	if err != nil {
		return nil, err
	}

	now := m.now()
	claims := NewClaims(user, now, m.cfg.TTL)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.ClientSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign sso token: %w", err)
	}

	if m.recorder != nil {
		m.recorder.LoginSucceeded(ctx, user, model.LoginMethodSSO, meta)
	}

	return &Assertion{
		Token:     signed,
		URL:       appendToken(target, signed),
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// appendToken はURLにsso_tokenクエリを追加する。既存のクエリがあれば&で連結する。
func appendToken(target, token string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "sso_token=" + url.QueryEscape(token)
}

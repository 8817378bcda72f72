// Package auth はパスワード認証、トークンのリフレッシュ・失効、
// 登録・パスワードリセット、Google OAuthによるログインを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/mailer"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/repository"
	"github.com/hitoshi/ssogate/internal/security"
	"github.com/hitoshi/ssogate/internal/throttle"
	"github.com/hitoshi/ssogate/internal/token"
)

// DefaultResetTokenTTL はパスワードリセットトークンの有効期間。
const DefaultResetTokenTTL = time.Hour

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	BaseURL       string        // パスワード再設定リンクのベースURL
	ResetTokenTTL time.Duration // 0の場合はDefaultResetTokenTTL
}

// Dependencies は認証サービスが利用するコンポーネント。
// Throttle、Mailer、OAuth、Recorderは任意。
type Dependencies struct {
	Users         repository.UserRepository
	RefreshTokens repository.RefreshTokenRepository
	Issuer        *token.Issuer
	Verifier      *token.Verifier
	Recorder      *Recorder
	Throttle      throttle.LoginThrottle
	Mailer        mailer.Sender
	OAuth         OAuthProvider
	Sanitizer     *security.TextSanitizer
}

// LoginResult はログイン・リフレッシュの結果。
type LoginResult struct {
	User   *model.User
	Tokens *token.Pair
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users         repository.UserRepository
	refreshTokens repository.RefreshTokenRepository
	issuer        *token.Issuer
	verifier      *token.Verifier
	credentials   *CredentialVerifier
	recorder      *Recorder
	throttle      throttle.LoginThrottle
	mailer        mailer.Sender
	oauth         OAuthProvider
	sanitizer     *security.TextSanitizer
	config        ServiceConfig
	now           func() time.Time
	background    sync.WaitGroup
}

// NewService はServiceを生成する。
func NewService(deps Dependencies, config ServiceConfig) *Service {
	if deps.Throttle == nil {
		deps.Throttle = throttle.Nop{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewTextSanitizer()
	}
	if config.ResetTokenTTL <= 0 {
		config.ResetTokenTTL = DefaultResetTokenTTL
	}
	return &Service{
		users:         deps.Users,
		refreshTokens: deps.RefreshTokens,
		issuer:        deps.Issuer,
		verifier:      deps.Verifier,
		credentials:   NewCredentialVerifier(deps.Users),
		recorder:      deps.Recorder,
		throttle:      deps.Throttle,
		mailer:        deps.Mailer,
		oauth:         deps.OAuth,
		sanitizer:     deps.Sanitizer,
		config:        config,
		now:           time.Now,
	}
}

// Login はメールアドレスとパスワードで認証し、トークンを発行する。
// 認証情報の誤りはmodel.ErrInvalidCredentialsをラップしたエラーを返す。
func (s *Service) Login(ctx context.Context, email, password string, meta model.RequestMeta) (*LoginResult, error) {
	user, err := s.Authenticate(ctx, email, password, model.LoginMethodPassword, meta)
	if err != nil {
		return nil, err
	}
	return s.StartSession(ctx, user, model.LoginMethodPassword, meta)
}

// Authenticate はメールアドレスとパスワードを検証し、ユーザーを返す。トークンは発行しない。
// 失敗時はmethodを経路として監査ログに記録する。
func (s *Service) Authenticate(ctx context.Context, email, password string, method model.LoginMethod, meta model.RequestMeta) (*model.User, error) {
	email = model.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, model.NewInvalidRequestError("Email and password are required")
	}

	// 1. 連続失敗によるロックアウトを確認
	allowed, err := s.throttle.Allow(ctx, email)
	if err != nil {
		slog.Warn("login throttle unavailable",
			slog.String("error", err.Error()),
		)
		allowed = true
	}
	if !allowed {
		s.recorder.LoginFailed(ctx, nil, email, method, model.CredentialFailureReason(model.ErrLoginThrottled), meta)
		return nil, model.ErrLoginThrottled
	}

	// 2. 認証情報を検証
	user, err := s.credentials.Verify(ctx, email, password)
	if err != nil {
		if !errors.Is(err, model.ErrInvalidCredentials) {
			return nil, err
		}
		reason := model.CredentialFailureReason(err)
		if rerr := s.throttle.RecordFailure(ctx, email); rerr != nil {
			slog.Warn("failed to record login failure",
				slog.String("error", rerr.Error()),
			)
		}
		s.recorder.LoginFailed(ctx, user, email, method, reason, meta)
		slog.Warn("login failed",
			slog.String("reason", reason),
			slog.String("method", string(method)),
			slog.String("ip", meta.IPAddress),
		)
		return nil, err
	}

	if err := s.throttle.Reset(ctx, email); err != nil {
		slog.Warn("failed to reset login throttle",
			slog.String("error", err.Error()),
		)
	}
	return user, nil
}

// StartSession は認証済みユーザーにトークンを発行し、最終ログイン日時と監査ログを記録する。
// パスワード、Google、SAMLの各ログイン経路で共通に使用する。
func (s *Service) StartSession(ctx context.Context, user *model.User, method model.LoginMethod, meta model.RequestMeta) (*LoginResult, error) {
	pair, err := s.issuer.IssuePair(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		slog.Warn("failed to update last login",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	} else {
		user.LastLoginAt = &now
	}

	s.recorder.LoginSucceeded(ctx, user, method, meta)
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("method", string(method)),
	)
	return &LoginResult{User: user, Tokens: pair}, nil
}

// Refresh はリフレッシュトークンを検証し、新しいトークンの組にローテーションする。
// 旧トークンの失効と新トークンの保存は同一トランザクションで行われ、
// 同じトークンによる同時リクエストは1件のみ成功する。
// いずれかの検証に失敗した場合、保存済みのトークンは変更しない。
func (s *Service) Refresh(ctx context.Context, rawRefresh string, meta model.RequestMeta) (*LoginResult, error) {
	if rawRefresh == "" {
		return nil, model.ErrInvalidToken
	}

	// 1. 署名と有効期限
	claims, err := s.verifier.VerifyRefreshToken(rawRefresh)
	if err != nil {
		return nil, err
	}

	// 2. 許可リスト
	oldHash := token.Hash(rawRefresh)
	stored, err := s.refreshTokens.FindValid(ctx, oldHash)
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	if stored == nil {
		return nil, model.ErrTokenRevoked
	}
	if stored.UserID != claims.UserID {
		return nil, fmt.Errorf("%w: refresh token owner mismatch", model.ErrInvalidToken)
	}

	// 3. ユーザーの状態
	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, model.ErrAccountInactive
	}

	// 4. 新しいトークンを生成してローテーション
	nextRaw, nextRow, err := s.issuer.NewRefreshToken(user)
	if err != nil {
		return nil, err
	}
	access, accessExpiresAt, err := s.issuer.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}
	if err := s.refreshTokens.Rotate(ctx, oldHash, nextRow); err != nil {
		if errors.Is(err, model.ErrTokenRevoked) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.recorder.LoginSucceeded(ctx, user, model.LoginMethodRefresh, meta)

	return &LoginResult{
		User: user,
		Tokens: &token.Pair{
			AccessToken:     access,
			AccessExpiresAt: accessExpiresAt,
			RefreshToken:    nextRaw,
		},
	}, nil
}

// Logout はリフレッシュトークンを失効させる。
// 空のトークン、未知のトークン、失効済みのトークンはいずれも成功として扱う。
func (s *Service) Logout(ctx context.Context, rawRefresh string, meta model.RequestMeta) error {
	if rawRefresh == "" {
		return nil
	}

	if err := s.refreshTokens.Revoke(ctx, token.Hash(rawRefresh)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	var userID string
	if claims, err := s.verifier.VerifyRefreshToken(rawRefresh); err == nil {
		userID = claims.UserID
	}
	s.recorder.Event(ctx, events.TypeLogout, userID, meta)
	slog.Info("user logged out", slog.String("user_id", userID))
	return nil
}

// LogoutAll は指定ユーザーのリフレッシュトークンをすべて失効させ、失効件数を返す。
func (s *Service) LogoutAll(ctx context.Context, userID string, meta model.RequestMeta) (int64, error) {
	n, err := s.refreshTokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	s.recorder.Event(ctx, events.TypeLogoutAll, userID, meta)
	slog.Info("user logged out from all devices",
		slog.String("user_id", userID),
		slog.Int64("revoked", n),
	)
	return n, nil
}

// CurrentUser はアクセストークンのユーザーIDから現在のユーザーを取得する。
// 削除済みまたは無効化されたユーザーはmodel.ErrAccountInactiveを返す。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, model.ErrAccountInactive
	}
	return user, nil
}

// ExternalHsscID は外部IdPで作成するアカウントのHSSC IDを生成する。
// 形式は "<prefix>_<UNIXミリ秒>_<ランダム16進8桁>"。
func ExternalHsscID(prefix string, now time.Time) (string, error) {
	suffix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	return prefix + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix, nil
}

// randomHex は暗号的に安全なnバイトの乱数を16進文字列で返す。
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

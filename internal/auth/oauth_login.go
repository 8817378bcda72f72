package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/model"
)

// GoogleEnabled はGoogleログインが設定されているかを返す。
func (s *Service) GoogleEnabled() bool {
	return s.oauth != nil
}

// GoogleLoginURL はGoogleの認証URLを返す。未設定の場合はmodel.ErrConfigurationを返す。
func (s *Service) GoogleLoginURL(state string) (string, error) {
	if s.oauth == nil {
		return "", fmt.Errorf("%w: google oauth is not configured", model.ErrConfiguration)
	}
	return s.oauth.GetLoginURL(state), nil
}

// HandleGoogleCallback はGoogleのコールバックを処理し、トークンを発行する。
// 未登録のメールアドレスはSTUDENTとして自動作成する。
// 管理者アカウントはGoogleログインできない。
func (s *Service) HandleGoogleCallback(ctx context.Context, code string, meta model.RequestMeta) (*LoginResult, error) {
	if s.oauth == nil {
		return nil, fmt.Errorf("%w: google oauth is not configured", model.ErrConfiguration)
	}
	if code == "" {
		return nil, model.NewInvalidRequestError("Authorization code is required")
	}

	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	if !info.EmailVerified {
		s.recorder.LoginFailed(ctx, nil, info.Email, model.LoginMethodGoogle, "email_not_verified", meta)
		return nil, model.ErrOAuthNotAllowed
	}

	// 2. 既存ユーザーを検索し、いなければ作成
	user, err := s.users.FindByEmail(ctx, info.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		user, err = s.provisionGoogleUser(ctx, info, meta)
		if err != nil {
			return nil, err
		}
	}

	// 3. ログイン可否を判定
	if model.IsAdmin(user.Role) {
		s.recorder.LoginFailed(ctx, user, user.Email, model.LoginMethodGoogle, "admin_oauth_blocked", meta)
		slog.Warn("admin attempted google login", slog.String("user_id", user.ID))
		return nil, model.ErrOAuthNotAllowed
	}
	if !user.IsActive {
		s.recorder.LoginFailed(ctx, user, user.Email, model.LoginMethodGoogle, model.CredentialFailureReason(model.ErrAccountInactive), meta)
		return nil, model.ErrAccountInactive
	}

	// 4. トークンを発行
	return s.StartSession(ctx, user, model.LoginMethodGoogle, meta)
}

// provisionGoogleUser はGoogleアカウントのユーザーを作成する。
// 同時に同じメールアドレスで作成された場合は既存のユーザーを返す。
func (s *Service) provisionGoogleUser(ctx context.Context, info *OAuthUserInfo, meta model.RequestMeta) (*model.User, error) {
	now := s.now()
	hsscID, err := ExternalHsscID("GOOGLE", now)
	if err != nil {
		return nil, err
	}

	name := s.sanitizer.Sanitize(info.Name)
	if name == "" {
		name = strings.SplitN(info.Email, "@", 2)[0]
	}

	stored, created, err := s.users.CreateIfEmailAbsent(ctx, &model.User{
		ID:             uuid.New().String(),
		Email:          info.Email,
		PasswordHash:   model.ExternalPasswordSentinel,
		Role:           model.RoleStudent,
		FullName:       name,
		HsscID:         hsscID,
		ProfilePicture: info.Picture,
		IsActive:       true,
		IsVerified:     true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google user: %w", err)
	}

	if created {
		s.recorder.Event(ctx, events.TypeUserProvisioned, stored.ID, meta)
		slog.Info("new user created",
			slog.String("user_id", stored.ID),
			slog.String("provider", string(model.LoginMethodGoogle)),
		)
	}
	return stored, nil
}

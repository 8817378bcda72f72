package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/mailer"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/token"
)

// resetTokenBytes はパスワードリセットトークンの乱数バイト数。
const resetTokenBytes = 32

// resetMailTimeout はリクエストと切り離したトークン保存とメール送信の上限時間。
const resetMailTimeout = 30 * time.Second

// ForgotPassword はパスワード再設定リンクをメールで送信する。
// アカウントの有無を推測されないよう、未登録・無効なアカウントやメール送信失敗でもnilを返す。
// 登録済みでも応答時間が変わらないよう、トークンの保存とメール送信はリクエストの外で行う。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	if !ValidEmail(email) {
		return model.NewValidationError("Invalid email address")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		slog.Info("password reset requested for unknown or inactive account")
		return nil
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetMailTimeout)
		defer cancel()
		s.sendResetMail(bgCtx, user)
	}()
	return nil
}

// sendResetMail はリセットトークンを保存し、再設定リンクを送信する。失敗はログにのみ記録する。
func (s *Service) sendResetMail(ctx context.Context, user *model.User) {
	raw, err := randomHex(resetTokenBytes)
	if err != nil {
		slog.Error("failed to generate reset token", slog.String("error", err.Error()))
		return
	}
	expiresAt := s.now().Add(s.config.ResetTokenTTL)
	if err := s.users.SetResetToken(ctx, user.ID, token.Hash(raw), expiresAt); err != nil {
		slog.Error("failed to save reset token",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.mailer == nil {
		slog.Warn("mailer is not configured, password reset mail was not sent",
			slog.String("user_id", user.ID),
		)
		return
	}

	msg, err := mailer.NewPasswordResetMessage(user.Email, mailer.PasswordResetData{
		Name:     user.FullName,
		URL:      mailer.ResetURL(s.config.BaseURL, raw, user.Email),
		ValidFor: s.config.ResetTokenTTL.String(),
	})
	if err != nil {
		slog.Error("failed to render password reset mail", slog.String("error", err.Error()))
		return
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		slog.Error("failed to send password reset mail",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	slog.Info("password reset mail sent", slog.String("user_id", user.ID))
}

// Close は送信中のパスワードリセットメールの完了を待つ。
func (s *Service) Close() error {
	s.background.Wait()
	return nil
}

// ValidateResetToken はリセットトークンが有効かどうかを返す。
func (s *Service) ValidateResetToken(ctx context.Context, rawToken, email string) (bool, error) {
	if rawToken == "" || email == "" {
		return false, nil
	}
	user, err := s.users.FindByResetToken(ctx, model.NormalizeEmail(email), token.Hash(rawToken))
	if err != nil {
		return false, fmt.Errorf("failed to find reset token: %w", err)
	}
	return user != nil, nil
}

// ResetPassword はリセットトークンを使ってパスワードを再設定する。
// トークンは1回限り有効で、成功時はユーザーのリフレッシュトークンをすべて失効させる。
func (s *Service) ResetPassword(ctx context.Context, rawToken, email, newPassword string, meta model.RequestMeta) error {
	if rawToken == "" || email == "" {
		return model.NewInvalidRequestError("Token, email and password are required")
	}
	if apiErr := ValidatePassword(newPassword); apiErr != nil {
		return apiErr
	}

	user, err := s.users.FindByResetToken(ctx, model.NormalizeEmail(email), token.Hash(rawToken))
	if err != nil {
		return fmt.Errorf("failed to find reset token: %w", err)
	}
	if user == nil {
		return model.ErrInvalidResetToken
	}

	if err := s.replacePassword(ctx, user, newPassword); err != nil {
		return err
	}
	if err := s.throttle.Reset(ctx, user.Email); err != nil {
		slog.Warn("failed to reset login throttle",
			slog.String("error", err.Error()),
		)
	}

	s.recorder.Event(ctx, events.TypePasswordReset, user.ID, meta)
	slog.Info("password reset", slog.String("user_id", user.ID))
	return nil
}

// ChangePassword はログイン中のユーザーのパスワードを変更する。
// 成功時はユーザーのリフレッシュトークンをすべて失効させる。
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, meta model.RequestMeta) error {
	if currentPassword == "" || newPassword == "" {
		return model.NewInvalidRequestError("Current password and new password are required")
	}

	user, err := s.CurrentUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsExternallyAuthenticated() {
		return model.NewValidationError("Current password is incorrect")
	}
	if err := bcryptCompare(user.PasswordHash, currentPassword); err != nil {
		return model.NewValidationError("Current password is incorrect")
	}
	if apiErr := ValidatePassword(newPassword); apiErr != nil {
		return apiErr
	}
	if currentPassword == newPassword {
		return model.NewValidationError("New password must be different from the current password")
	}

	if err := s.replacePassword(ctx, user, newPassword); err != nil {
		return err
	}

	s.recorder.Event(ctx, events.TypePasswordChanged, user.ID, meta)
	slog.Info("password changed", slog.String("user_id", user.ID))
	return nil
}

// replacePassword はパスワードを更新し、既存のリフレッシュトークンを失効させる。
func (s *Service) replacePassword(ctx context.Context, user *model.User, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	n, err := s.refreshTokens.RevokeAllForUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	slog.Info("refresh tokens revoked after password update",
		slog.String("user_id", user.ID),
		slog.Int64("revoked", n),
	)
	return nil
}

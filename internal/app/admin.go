package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/logger"
	"github.com/hitoshi/ssogate/internal/model"
)

// defaultAdminName はADMIN_NAME未指定時の表示名。
const defaultAdminName = "Administrator"

// AdminInput はcreate-adminコマンドの入力。
type AdminInput struct {
	Email    string
	Password string
	FullName string
}

// adminStore は管理者アカウントの作成先。repository.UserRepositoryが満たす。
type adminStore interface {
	CreateIfEmailAbsent(ctx context.Context, user *model.User) (*model.User, bool, error)
}

// createAdmin はADMINロールのアカウントを作成する。
// 同じメールアドレスのユーザーが既に存在する場合は何も変更せずに既存ユーザーを返す。
func createAdmin(ctx context.Context, store adminStore, in AdminInput, now time.Time) (*model.User, error) {
	email := model.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD must be set")
	}
	if !auth.ValidEmail(email) {
		return nil, fmt.Errorf("invalid ADMIN_EMAIL: %q", in.Email)
	}
	if apiErr := auth.ValidatePassword(in.Password); apiErr != nil {
		return nil, fmt.Errorf("invalid ADMIN_PASSWORD: %s", apiErr.Message)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	hsscID, err := auth.ExternalHsscID("ADMIN", now)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.FullName)
	if name == "" {
		name = defaultAdminName
	}

	stored, created, err := store.CreateIfEmailAbsent(ctx, &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		FullName:     name,
		HsscID:       hsscID,
		IsActive:     true,
		IsVerified:   true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}

	if !created {
		slog.Warn("admin account already exists",
			slog.String("email", logger.MaskEmail(email)),
			slog.String("role", string(stored.Role)),
		)
		return stored, nil
	}

	slog.Info("admin account created",
		slog.String("user_id", stored.ID),
		slog.String("email", logger.MaskEmail(email)),
	)
	return stored, nil
}

package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/model"
)

// Register はセルフ登録でユーザーを作成する。トークンは発行しない。
// 入力不備は*model.APIErrorを、重複はmodel.ErrEmailTaken、model.ErrHsscIDTakenを返す。
func (s *Service) Register(ctx context.Context, in RegisterInput, meta model.RequestMeta) (*model.User, error) {
	in.FullName = s.sanitizer.Sanitize(in.FullName)
	in.InstituteName = s.sanitizer.Sanitize(in.InstituteName)
	in.Address = s.sanitizer.Sanitize(in.Address)

	dob, apiErr := in.validate()
	if apiErr != nil {
		return nil, apiErr
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &model.User{
		ID:                uuid.New().String(),
		Email:             in.Email,
		PasswordHash:      hash,
		Role:              in.Role,
		FullName:          in.FullName,
		HsscID:            in.HsscID,
		InstituteName:     in.InstituteName,
		InstituteCategory: in.InstituteCategory,
		MobileNumber:      in.MobileNumber,
		Pincode:           in.Pincode,
		Gender:            in.Gender,
		DateOfBirth:       dob,
		AlternateEmail:    in.AlternateEmail,
		Address:           in.Address,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.recorder.Event(ctx, events.TypeUserRegistered, user.ID, meta)
	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)
	return user, nil
}

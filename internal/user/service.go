// Package user はプロフィール管理と管理者向けユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/mailer"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/repository"
	"github.com/hitoshi/ssogate/internal/security"
)

const (
	defaultPageSize     = 20
	maxPageSize         = 100
	defaultLoginLogSize = 50
)

// TokenRevoker はユーザーのリフレッシュトークン一括失効インターフェース。
type TokenRevoker interface {
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// LoginLogLister はログイン監査ログの参照インターフェース。
type LoginLogLister interface {
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginLog, error)
}

// EventRecorder は認証イベントの記録先。
type EventRecorder interface {
	Event(ctx context.Context, typ events.Type, userID string, meta model.RequestMeta)
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo  repository.UserRepository
	tokens    TokenRevoker
	loginLogs LoginLogLister
	recorder  EventRecorder
	sanitizer *security.TextSanitizer
	mailer    mailer.Sender
	loginURL  string
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。recorderはnilでもよい。
func NewService(
	userRepo repository.UserRepository,
	tokens TokenRevoker,
	loginLogs LoginLogLister,
	recorder EventRecorder,
) *Service {
	return &Service{
		userRepo:  userRepo,
		tokens:    tokens,
		loginLogs: loginLogs,
		recorder:  recorder,
		sanitizer: security.NewTextSanitizer(),
		now:       time.Now,
	}
}

// SetWelcomeMailer はウェルカムメールの送信先とメールに載せるログインURLを設定する。
// 未設定の場合、SendWelcomeEmailはmodel.ErrConfigurationを返す。
func (s *Service) SetWelcomeMailer(sender mailer.Sender, loginURL string) {
	s.mailer = sender
	s.loginURL = loginURL
}

// ProfileUpdate はプロフィールの更新内容。nilの項目は変更しない。
// メールアドレスとHSSC IDは変更できない。
type ProfileUpdate struct {
	FullName          *string
	MobileNumber      *string
	InstituteName     *string
	InstituteCategory *model.InstituteCategory
	Pincode           *string
	Gender            *string
	DateOfBirth       *string // YYYY-MM-DD、空文字列で削除
	AlternateEmail    *string
	Address           *string
	ProfilePicture    *string
}

// apply は検証済みの更新内容をユーザーに反映する。
func (p ProfileUpdate) apply(u *model.User, sanitize func(string) string) *model.APIError {
	if p.FullName != nil {
		name := sanitize(*p.FullName)
		if len([]rune(name)) < 2 {
			return model.NewValidationError("Full name must be at least 2 characters")
		}
		u.FullName = name
	}
	if p.MobileNumber != nil {
		if !auth.ValidMobileNumber(*p.MobileNumber) {
			return model.NewValidationError("Mobile number must be 10 digits")
		}
		u.MobileNumber = *p.MobileNumber
	}
	if p.InstituteName != nil {
		name := sanitize(*p.InstituteName)
		if name == "" {
			return model.NewValidationError("Institute name is required")
		}
		u.InstituteName = name
	}
	if p.InstituteCategory != nil {
		if !p.InstituteCategory.Valid() {
			return model.NewValidationError("Institute category must be SCHOOL, COLLEGE, PRIVATE or INDUSTRY")
		}
		u.InstituteCategory = *p.InstituteCategory
	}
	if p.Pincode != nil {
		if !auth.ValidPincode(*p.Pincode) {
			return model.NewValidationError("Pincode must be 6 digits")
		}
		u.Pincode = *p.Pincode
	}
	if p.Gender != nil {
		u.Gender = sanitize(*p.Gender)
	}
	if p.DateOfBirth != nil {
		dob, apiErr := auth.ParseDateOfBirth(*p.DateOfBirth)
		if apiErr != nil {
			return apiErr
		}
		u.DateOfBirth = dob
	}
	if p.AlternateEmail != nil {
		alt := strings.TrimSpace(*p.AlternateEmail)
		if alt != "" && !auth.ValidEmail(alt) {
			return model.NewValidationError("Invalid alternate email address")
		}
		u.AlternateEmail = alt
	}
	if p.Address != nil {
		u.Address = sanitize(*p.Address)
	}
	if p.ProfilePicture != nil {
		pic := strings.TrimSpace(*p.ProfilePicture)
		if pic != "" && !strings.HasPrefix(pic, "https://") {
			return model.NewValidationError("Profile picture must be an https URL")
		}
		u.ProfilePicture = pic
	}
	return nil
}

// GetProfile はユーザーのプロフィールを取得する。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	return s.find(ctx, userID)
}

// UpdateProfile はログイン中のユーザーのプロフィールを更新する。
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*model.User, error) {
	user, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}

	updated := *user
	if apiErr := update.apply(&updated, s.sanitizer.Sanitize); apiErr != nil {
		return nil, apiErr
	}

	if err := s.userRepo.UpdateProfile(ctx, &updated); err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}

	slog.Info("プロフィールを更新しました", slog.String("user_id", userID))
	return &updated, nil
}

// Get は管理者向けにユーザーを1件取得する。
func (s *Service) Get(ctx context.Context, targetID string) (*model.User, error) {
	return s.find(ctx, targetID)
}

// Create は管理者がユーザーを作成する。検証はセルフ登録と同じで、ロールはADMINを含めて選べる。
// 重複はmodel.ErrEmailTaken、model.ErrHsscIDTakenを返す。
func (s *Service) Create(ctx context.Context, actorID string, in auth.RegisterInput, meta model.RequestMeta) (*model.User, error) {
	in.FullName = s.sanitizer.Sanitize(in.FullName)
	in.InstituteName = s.sanitizer.Sanitize(in.InstituteName)
	in.Address = s.sanitizer.Sanitize(in.Address)
	in.Gender = s.sanitizer.Sanitize(in.Gender)

	dob, apiErr := in.ValidateForAdmin()
	if apiErr != nil {
		return nil, apiErr
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	created := &model.User{
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
	if err := s.userRepo.Create(ctx, created); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	if s.recorder != nil {
		s.recorder.Event(ctx, events.TypeUserCreated, created.ID, meta)
	}
	slog.Info("管理者がユーザーを作成しました",
		slog.String("actor_id", actorID),
		slog.String("user_id", created.ID),
		slog.String("role", string(created.Role)),
	)
	return created, nil
}

// SendWelcomeEmail は登録済みユーザーにログイン案内のメールを送信する。
// パスワードはメールに含めない。
func (s *Service) SendWelcomeEmail(ctx context.Context, actorID, email string) error {
	email = model.NormalizeEmail(email)
	if !auth.ValidEmail(email) {
		return model.NewValidationError("Invalid email address")
	}
	if s.mailer == nil {
		return fmt.Errorf("%w: mailer is not configured", model.ErrConfiguration)
	}

	u, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return model.NewUserNotFoundError()
	}
	if !u.IsActive {
		return model.NewValidationError("Account is inactive")
	}

	msg, err := mailer.NewWelcomeMessage(u.Email, mailer.WelcomeData{
		Name:     u.FullName,
		Email:    u.Email,
		LoginURL: s.loginURL,
	})
	if err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("ウェルカムメールの送信に失敗しました: %w", err)
	}

	slog.Info("ウェルカムメールを送信しました",
		slog.String("actor_id", actorID),
		slog.String("user_id", u.ID),
	)
	return nil
}

// ListParams は管理者向けユーザー一覧の取得条件。
type ListParams struct {
	Page   int // 1始まり
	Limit  int
	Search string
	Role   model.Role
}

// ListResult はユーザー一覧とページ情報。
type ListResult struct {
	Users      []*model.User
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

// List はユーザー一覧を取得する。
func (s *Service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Role != "" && !params.Role.Valid() {
		return nil, model.NewValidationError("Unknown role")
	}
	page := params.Page
	if page < 1 {
		page = 1
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	users, total, err := s.userRepo.List(ctx, repository.UserFilter{
		Search: strings.TrimSpace(params.Search),
		Role:   params.Role,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}

	return &ListResult{
		Users:      users,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// AdminUpdate は管理者によるユーザー更新内容。nilの項目は変更しない。
type AdminUpdate struct {
	Role     *model.Role
	IsActive *bool
	Profile  ProfileUpdate
}

// AdminUpdate は管理者がユーザーのロール、有効状態、プロフィールを更新する。
// 管理者は自分自身のロール変更と無効化はできない。
// 無効化した場合はリフレッシュトークンをすべて失効させる。
func (s *Service) AdminUpdate(ctx context.Context, actorID, targetID string, update AdminUpdate, meta model.RequestMeta) (*model.User, error) {
	user, err := s.find(ctx, targetID)
	if err != nil {
		return nil, err
	}

	updated := *user
	if update.Role != nil {
		if !update.Role.Valid() {
			return nil, model.NewValidationError("Unknown role")
		}
		if actorID == targetID && *update.Role != user.Role {
			return nil, model.NewValidationError("You cannot change your own role")
		}
		updated.Role = *update.Role
	}
	if update.IsActive != nil {
		if actorID == targetID && !*update.IsActive {
			return nil, model.NewValidationError("You cannot deactivate your own account")
		}
		updated.IsActive = *update.IsActive
	}
	if apiErr := update.Profile.apply(&updated, s.sanitizer.Sanitize); apiErr != nil {
		return nil, apiErr
	}

	if err := s.userRepo.UpdateProfile(ctx, &updated); err != nil {
		return nil, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
	}

	if user.IsActive && !updated.IsActive {
		if err := s.revokeSessions(ctx, targetID, meta); err != nil {
			return nil, err
		}
	}

	slog.Info("管理者がユーザーを更新しました",
		slog.String("actor_id", actorID),
		slog.String("user_id", targetID),
		slog.String("role", string(updated.Role)),
		slog.Bool("is_active", updated.IsActive),
	)
	return &updated, nil
}

// Deactivate はユーザーを無効化し、リフレッシュトークンをすべて失効させる。
func (s *Service) Deactivate(ctx context.Context, actorID, targetID string, meta model.RequestMeta) error {
	if actorID == targetID {
		return model.NewValidationError("You cannot deactivate your own account")
	}
	if _, err := s.find(ctx, targetID); err != nil {
		return err
	}

	if err := s.userRepo.SetActive(ctx, targetID, false); err != nil {
		return fmt.Errorf("ユーザーの無効化に失敗しました: %w", err)
	}
	if err := s.revokeSessions(ctx, targetID, meta); err != nil {
		return err
	}

	slog.Info("ユーザーを無効化しました",
		slog.String("actor_id", actorID),
		slog.String("user_id", targetID),
	)
	return nil
}

// Delete はユーザーを削除する。
// refresh_tokensはCASCADE削除され、login_logsは監査のためuser_idをNULLにして残る。
func (s *Service) Delete(ctx context.Context, actorID, targetID string) error {
	if actorID == targetID {
		return model.NewValidationError("You cannot delete your own account")
	}
	if _, err := s.find(ctx, targetID); err != nil {
		return err
	}

	if err := s.userRepo.DeleteByID(ctx, targetID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("ユーザーを削除しました",
		slog.String("actor_id", actorID),
		slog.String("user_id", targetID),
	)
	return nil
}

// LoginLogs はユーザーのログイン監査ログを新しい順に取得する。
func (s *Service) LoginLogs(ctx context.Context, targetID string, limit int) ([]*model.LoginLog, error) {
	if _, err := s.find(ctx, targetID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultLoginLogSize
	}
	logs, err := s.loginLogs.ListByUserID(ctx, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("ログイン履歴の取得に失敗しました: %w", err)
	}
	return logs, nil
}

// find はユーザーを取得する。存在しない場合はUSER_NOT_FOUNDのAPIErrorを返す。
// users.idはUUID型のため、UUIDとして解釈できないIDは問い合わせずに見つからない扱いにする。
func (s *Service) find(ctx context.Context, userID string) (*model.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, model.NewUserNotFoundError()
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// revokeSessions はユーザーのリフレッシュトークンを失効させ、無効化イベントを記録する。
func (s *Service) revokeSessions(ctx context.Context, userID string, meta model.RequestMeta) error {
	n, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("リフレッシュトークンの失効に失敗しました: %w", err)
	}
	if s.recorder != nil {
		s.recorder.Event(ctx, events.TypeUserDeactivated, userID, meta)
	}
	slog.Info("リフレッシュトークンを失効しました",
		slog.String("user_id", userID),
		slog.Int64("revoked", n),
	)
	return nil
}

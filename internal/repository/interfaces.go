// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/ssogate/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	// email、hssc_idの重複はそれぞれmodel.ErrEmailTaken、model.ErrHsscIDTakenを返す。
	Create(ctx context.Context, user *model.User) error

	// CreateIfEmailAbsent はメールアドレスが未登録の場合のみユーザーを作成し、
	// 登録済みのユーザー（既存または新規）を返す。createdは新規作成された場合にtrue。
	CreateIfEmailAbsent(ctx context.Context, user *model.User) (stored *model.User, created bool, err error)

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// UpdatePassword はパスワードハッシュを更新し、リセットトークンを無効化する。
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// SetResetToken はパスワードリセットトークンのハッシュと有効期限を保存する。
	SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error

	// FindByResetToken は有効期限内のリセットトークンに紐づくユーザーを返す。見つからない場合はnilを返す。
	FindByResetToken(ctx context.Context, email, tokenHash string) (*model.User, error)

	// UpdateProfile はプロフィール項目とロール・有効フラグを更新する。
	UpdateProfile(ctx context.Context, user *model.User) error

	// SetActive は有効フラグを更新する。
	SetActive(ctx context.Context, id string, active bool) error

	// List は条件に一致するユーザーをcreated_at降順で返す。totalは条件に一致する総件数。
	List(ctx context.Context, filter UserFilter) (users []*model.User, total int, err error)

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するrefresh_tokensはCASCADE削除され、login_logsのuser_idはNULLになる。
	DeleteByID(ctx context.Context, id string) error
}

// UserFilter は管理者向けユーザー一覧の検索条件。
type UserFilter struct {
	Search string     // email, full_name, hssc_idの部分一致
	Role   model.Role // 空の場合は全ロール
	Limit  int
	Offset int
}

// RefreshTokenRepository はリフレッシュトークン許可リストの永続化インターフェース。
// トークンはSHA-256ハッシュで識別する。
type RefreshTokenRepository interface {
	// Create はリフレッシュトークンを保存する。
	Create(ctx context.Context, token *model.RefreshToken) error

	// IsValid は失効しておらず期限内のトークンが存在すればtrueを返す。
	IsValid(ctx context.Context, tokenHash string) (bool, error)

	// FindValid は有効なトークンを返す。存在しない、失効済み、期限切れの場合はnilを返す。
	FindValid(ctx context.Context, tokenHash string) (*model.RefreshToken, error)

	// Revoke はトークンを失効させる。存在しない、または失効済みの場合は何もしない。
	Revoke(ctx context.Context, tokenHash string) error

	// Rotate は旧トークンの失効と新トークンの保存を同一トランザクションで行う。
	// 旧トークンが有効でない場合はmodel.ErrTokenRevokedを返し、何も変更しない。
	Rotate(ctx context.Context, oldHash string, next *model.RefreshToken) error

	// RevokeAllForUser は指定ユーザーの有効なトークンをすべて失効させ、失効件数を返す。
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// LoginLogRepository はログイン監査ログの永続化インターフェース。追記のみ。
type LoginLogRepository interface {
	// Create はログを追記する。
	Create(ctx context.Context, log *model.LoginLog) error

	// ListByUserID は指定ユーザーのログを新しい順に返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginLog, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

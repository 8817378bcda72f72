package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/ssogate/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, role, full_name, hssc_id,
	institute_name, institute_category, mobile_number, pincode, gender,
	date_of_birth, alternate_email, address, profile_picture,
	is_active, is_verified, last_login_at, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var role, category string
	var dob, lastLogin sql.NullTime
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &role, &user.FullName, &user.HsscID,
		&user.InstituteName, &category, &user.MobileNumber, &user.Pincode, &user.Gender,
		&dob, &user.AlternateEmail, &user.Address, &user.ProfilePicture,
		&user.IsActive, &user.IsVerified, &lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Role = model.Role(role)
	user.InstituteCategory = model.InstituteCategory(category)
	if dob.Valid {
		t := dob.Time
		user.DateOfBirth = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return user, nil
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, args ...any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail は正規化済みメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

const insertUserSQL = `INSERT INTO users (id, email, password_hash, role, full_name, hssc_id,
	institute_name, institute_category, mobile_number, pincode, gender,
	date_of_birth, alternate_email, address, profile_picture,
	is_active, is_verified, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

func insertUserArgs(u *model.User) []any {
	return []any{
		u.ID, model.NormalizeEmail(u.Email), u.PasswordHash, string(u.Role), u.FullName, u.HsscID,
		u.InstituteName, string(u.InstituteCategory), u.MobileNumber, u.Pincode, u.Gender,
		nullTime(u.DateOfBirth), u.AlternateEmail, u.Address, u.ProfilePicture,
		u.IsActive, u.IsVerified, u.CreatedAt, u.UpdatedAt,
	}
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx, insertUserSQL, insertUserArgs(user)...)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// CreateIfEmailAbsent はメールアドレスが未登録の場合のみユーザーを作成する。
// 同一メールアドレスでの同時作成は ON CONFLICT により1件に収束する。
func (r *PostgresUserRepo) CreateIfEmailAbsent(ctx context.Context, user *model.User) (*model.User, bool, error) {
	result, err := r.db.ExecContext(ctx, insertUserSQL+` ON CONFLICT (email) DO NOTHING`, insertUserArgs(user)...)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != nil {
			return nil, false, mapped
		}
		return nil, false, fmt.Errorf("failed to insert user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := r.FindByEmail(ctx, user.Email)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("user disappeared after upsert: %s", model.NormalizeEmail(user.Email))
	}
	return stored, rowsAffected == 1, nil
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (r *PostgresUserRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// UpdatePassword はパスワードハッシュを更新し、リセットトークンを無効化する。
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.execOne(ctx, "update password",
		`UPDATE users
		 SET password_hash = $2, reset_token_hash = NULL, reset_token_expires_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id, passwordHash,
	)
}

// SetResetToken はパスワードリセットトークンのハッシュと有効期限を保存する。
func (r *PostgresUserRepo) SetResetToken(ctx context.Context, id, tokenHash string, expiresAt time.Time) error {
	return r.execOne(ctx, "set reset token",
		`UPDATE users SET reset_token_hash = $2, reset_token_expires_at = $3, updated_at = now() WHERE id = $1`,
		id, tokenHash, expiresAt,
	)
}

// FindByResetToken は有効期限内のリセットトークンに紐づくユーザーを返す。
func (r *PostgresUserRepo) FindByResetToken(ctx context.Context, email, tokenHash string) (*model.User, error) {
	user, err := r.findOne(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE email = $1 AND reset_token_hash = $2 AND reset_token_expires_at > now()`,
		model.NormalizeEmail(email), tokenHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by reset token: %w", err)
	}
	return user, nil
}

// UpdateProfile はプロフィール項目とロール・有効フラグを更新する。
// email、password_hash、hssc_idは変更しない。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, u *model.User) error {
	return r.execOne(ctx, "update profile",
		`UPDATE users SET
			full_name = $2, institute_name = $3, institute_category = $4,
			mobile_number = $5, pincode = $6, gender = $7, date_of_birth = $8,
			alternate_email = $9, address = $10, profile_picture = $11,
			role = $12, is_active = $13, updated_at = now()
		 WHERE id = $1`,
		u.ID, u.FullName, u.InstituteName, string(u.InstituteCategory),
		u.MobileNumber, u.Pincode, u.Gender, nullTime(u.DateOfBirth),
		u.AlternateEmail, u.Address, u.ProfilePicture,
		string(u.Role), u.IsActive,
	)
}

// SetActive は有効フラグを更新する。
func (r *PostgresUserRepo) SetActive(ctx context.Context, id string, active bool) error {
	return r.execOne(ctx, "set active",
		`UPDATE users SET is_active = $2, updated_at = now() WHERE id = $1`,
		id, active,
	)
}

// List は条件に一致するユーザーをcreated_at降順で返す。
func (r *PostgresUserRepo) List(ctx context.Context, filter UserFilter) ([]*model.User, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+`, count(*) OVER() AS total
		 FROM users
		 WHERE ($1 = '' OR role = $1)
		   AND ($2 = '' OR email ILIKE '%' || $2 || '%' OR full_name ILIKE '%' || $2 || '%' OR hssc_id ILIKE '%' || $2 || '%')
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		string(filter.Role), filter.Search, limit, filter.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	total := 0
	for rows.Next() {
		user, err := scanUser(totalScanner{rows: rows, total: &total})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, total, nil
}

// totalScanner はウィンドウ関数で付与した総件数列を末尾に読み込む。
type totalScanner struct {
	rows  *sql.Rows
	total *int
}

func (s totalScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.total)...)
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	return r.execOne(ctx, "delete user", `DELETE FROM users WHERE id = $1`, id)
}

// execOne は1行だけ更新されることを期待するクエリを実行する。
// 対象が存在しない場合はmodel.ErrUserNotFoundを返す。
func (r *PostgresUserRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrUserNotFound
	}
	return nil
}

// mapUniqueViolation は一意制約違反をドメインエラーに変換する。該当しない場合はnilを返す。
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return nil
	}
	switch pqErr.Constraint {
	case "users_email_key":
		return model.ErrEmailTaken
	case "users_hssc_id_key":
		return model.ErrHsscIDTaken
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)

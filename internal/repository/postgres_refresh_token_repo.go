package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ssogate/internal/model"
)

// PostgresRefreshTokenRepo はPostgreSQLを使用したリフレッシュトークンリポジトリ。
type PostgresRefreshTokenRepo struct {
	db *sql.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sql.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

const insertRefreshTokenSQL = `INSERT INTO refresh_tokens (id, token_hash, user_id, expires_at, created_at)
	VALUES ($1, $2, $3, $4, $5)`

// Create はリフレッシュトークンを保存する。
func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, insertRefreshTokenSQL,
		token.ID, token.TokenHash, token.UserID, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// IsValid は失効しておらず期限内のトークンが存在すればtrueを返す。
func (r *PostgresRefreshTokenRepo) IsValid(ctx context.Context, tokenHash string) (bool, error) {
	var valid bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM refresh_tokens
			WHERE token_hash = $1 AND revoked = false AND expires_at > now()
		)`,
		tokenHash,
	).Scan(&valid)
	if err != nil {
		return false, fmt.Errorf("failed to check refresh token: %w", err)
	}
	return valid, nil
}

// FindValid は有効なトークンを返す。該当しない場合はnilを返す。
func (r *PostgresRefreshTokenRepo) FindValid(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, token_hash, user_id, expires_at, revoked, created_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND revoked = false AND expires_at > now()`,
		tokenHash,
	).Scan(&token.ID, &token.TokenHash, &token.UserID, &token.ExpiresAt, &token.Revoked, &token.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	return token, nil
}

// Revoke はトークンを失効させる。存在しない、または失効済みの場合は何もしない。
func (r *PostgresRefreshTokenRepo) Revoke(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		 WHERE token_hash = $1 AND revoked = false`,
		tokenHash,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// Rotate は旧トークンの失効と新トークンの保存を同一トランザクションで行う。
// 条件付きUPDATEの更新件数で勝者を1つに決めるため、同じトークンでの同時リフレッシュは1件のみ成功する。
func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, oldHash string, next *model.RefreshToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		 WHERE token_hash = $1 AND revoked = false AND expires_at > now()`,
		oldHash,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke old refresh token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return model.ErrTokenRevoked
	}

	_, err = tx.ExecContext(ctx, insertRefreshTokenSQL,
		next.ID, next.TokenHash, next.UserID, next.ExpiresAt, next.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RevokeAllForUser は指定ユーザーの有効なトークンをすべて失効させる。
func (r *PostgresRefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		 WHERE user_id = $1 AND revoked = false`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)

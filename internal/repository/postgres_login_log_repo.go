package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ssogate/internal/model"
)

// PostgresLoginLogRepo はPostgreSQLを使用したログイン監査ログリポジトリ。
type PostgresLoginLogRepo struct {
	db *sql.DB
}

// NewPostgresLoginLogRepo はPostgresLoginLogRepoを生成する。
func NewPostgresLoginLogRepo(db *sql.DB) *PostgresLoginLogRepo {
	return &PostgresLoginLogRepo{db: db}
}

// Create はログを追記する。UserIDが空の場合はNULLとして保存する。
func (r *PostgresLoginLogRepo) Create(ctx context.Context, log *model.LoginLog) error {
	var userID sql.NullString
	if log.UserID != "" {
		userID = sql.NullString{String: log.UserID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_logs (id, user_id, email, ip_address, user_agent, success, method, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, userID, log.Email, orUnknown(log.IPAddress), orUnknown(log.UserAgent),
		log.Success, string(log.Method), log.Reason, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert login log: %w", err)
	}
	return nil
}

// ListByUserID は指定ユーザーのログを新しい順に返す。
func (r *PostgresLoginLogRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, email, ip_address, user_agent, success, method, reason, created_at
		 FROM login_logs
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list login logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.LoginLog
	for rows.Next() {
		l := &model.LoginLog{}
		var uid sql.NullString
		var method string
		if err := rows.Scan(&l.ID, &uid, &l.Email, &l.IPAddress, &l.UserAgent, &l.Success, &method, &l.Reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login log: %w", err)
		}
		l.UserID = uid.String
		l.Method = model.LoginMethod(method)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login logs: %w", err)
	}
	return logs, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// compile-time interface check
var _ LoginLogRepository = (*PostgresLoginLogRepo)(nil)

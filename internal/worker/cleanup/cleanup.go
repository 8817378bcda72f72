// Package cleanup は認証データの自動削除ジョブを提供する。
// 保持期間を超過したリフレッシュトークンとログイン監査ログを削除し、
// 期限切れのパスワード再設定トークンを無効化する。日次バッチで実行する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRefreshTokenRetentionDays は期限切れ・失効済みリフレッシュトークンの保持日数。
	DefaultRefreshTokenRetentionDays = 30
	// DefaultLoginLogRetentionDays はログイン監査ログの保持日数。
	DefaultLoginLogRetentionDays = 180
	// DefaultInterval はジョブの実行間隔。
	DefaultInterval = 24 * time.Hour
)

// 削除対象の種別。メトリクスのラベルとして使う。
const (
	KindRefreshTokens = "refresh_tokens"
	KindLoginLogs     = "login_logs"
	KindResetTokens   = "reset_tokens"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder は削除件数の記録先。metrics.MetricsCollectorが満たす。
type Recorder interface {
	RecordCleanup(kind string, deleted int64)
}

// CleanupJob は保持期間を超過した認証データの削除ジョブ。
// 各削除は冪等で、1つが失敗しても残りは実行する。
type CleanupJob struct {
	db                        Executor
	logger                    *slog.Logger
	recorder                  Recorder
	RefreshTokenRetentionDays int
	LoginLogRetentionDays     int
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		db:                        db,
		logger:                    logger,
		recorder:                  recorder,
		RefreshTokenRetentionDays: DefaultRefreshTokenRetentionDays,
		LoginLogRetentionDays:     DefaultLoginLogRetentionDays,
	}
}

type task struct {
	kind          string
	query         string
	retentionDays int
}

func (j *CleanupJob) tasks() []task {
	return []task{
		{
			kind: KindRefreshTokens,
			query: `DELETE FROM refresh_tokens
			 WHERE expires_at < now() - $1::interval
			    OR (revoked AND revoked_at < now() - $1::interval)`,
			retentionDays: j.RefreshTokenRetentionDays,
		},
		{
			kind:          KindLoginLogs,
			query:         `DELETE FROM login_logs WHERE created_at < now() - $1::interval`,
			retentionDays: j.LoginLogRetentionDays,
		},
		{
			kind: KindResetTokens,
			query: `UPDATE users SET reset_token_hash = NULL, reset_token_expires_at = NULL
			 WHERE reset_token_expires_at < now()`,
		},
	}
}

// Run は保持期間を超過したデータを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var errs []error
	var total int64
	for _, t := range j.tasks() {
		n, err := j.runTask(ctx, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("failed_tasks", len(errs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return errors.Join(errs...)
}

func (j *CleanupJob) runTask(ctx context.Context, t task) (int64, error) {
	var args []any
	if t.retentionDays > 0 {
		args = append(args, fmt.Sprintf("%d days", t.retentionDays))
	} else if t.kind != KindResetTokens {
		j.logger.Warn("保持日数が0以下のためスキップしました", slog.String("kind", t.kind))
		return 0, nil
	}

	result, err := j.db.ExecContext(ctx, t.query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("kind", t.kind),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", t.kind, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordCleanup(t.kind, deleted)
	}
	j.logger.Info("クリーンアップを実行しました",
		slog.String("kind", t.kind),
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", t.retentionDays),
	)
	return deleted, nil
}

// Start は指定間隔でジョブを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップスケジューラを開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Package cleanup は冪等キーの期限切れ削除ジョブを提供する。
// 発行リクエストの再送を受け付ける期間(保持期間)を過ぎた idempotency_keys の行を削除する。
// 取引履歴と利用者の記録は削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const deleteExpiredKeys = `DELETE FROM idempotency_keys WHERE created_at < $1`

// CleanupJob は保持期間を超過した冪等キーを削除するジョブ。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 冪等キーの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Start は interval 間隔でジョブを実行する。ctx がキャンセルされるまで戻らない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

// Cutoff はこの時刻より前に保存された冪等キーを削除対象とする境界を返す。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().UTC().AddDate(0, 0, -j.RetentionDays)
}

// Run は保持期間を過ぎた冪等キーを削除する。
// 保持日数が0以下の場合は全件削除になるため実行しない。
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.RetentionDays <= 0 {
		err := errors.New("idempotency key retention must be positive")
		j.logger.Error("idempotency key cleanup skipped",
			slog.Int("retention_days", j.RetentionDays),
			slog.String("error", err.Error()),
		)
		return err
	}

	start := time.Now()
	cutoff := j.Cutoff()

	result, err := j.db.ExecContext(ctx, deleteExpiredKeys, cutoff)
	if err != nil {
		j.logger.Error("idempotency key cleanup failed",
			slog.String("error", err.Error()),
			slog.Time("cutoff", cutoff),
		)
		return fmt.Errorf("failed to clean up idempotency keys: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read deleted row count: %w", err)
	}

	j.logger.Info("idempotency key cleanup completed",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

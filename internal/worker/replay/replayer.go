// Package replay は監査ストアへの書き込みに失敗してアウトボックスに退避された
// 記録を、指数バックオフで再送するバックグラウンドワーカーを提供する。
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/couponledger/internal/audit"
	"github.com/hitoshi/couponledger/internal/repository"
)

// Recorder は再送結果のメトリクスを記録する。
type Recorder interface {
	RecordAuditReplay(kind, outcome string)
	SetAuditBacklog(n int)
}

// Replayer はアウトボックスを定期的に走査して再送する。
type Replayer struct {
	outbox    audit.Outbox
	history   repository.HistoryRepository
	redeemers repository.RedeemerRepository
	recorder  Recorder
	logger    *slog.Logger
	batchSize int

	now func() time.Time
}

// NewReplayer は Replayer を生成する。batchSize が0以下の場合は100を使用する。
func NewReplayer(
	outbox audit.Outbox,
	history repository.HistoryRepository,
	redeemers repository.RedeemerRepository,
	recorder Recorder,
	logger *slog.Logger,
	batchSize int,
) *Replayer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Replayer{
		outbox:    outbox,
		history:   history,
		redeemers: redeemers,
		recorder:  recorder,
		logger:    logger,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start は interval 間隔で再送を繰り返す。ctx がキャンセルされるまで戻らない。
func (r *Replayer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("audit replayer started",
		slog.Duration("interval", interval),
		slog.Int("batch_size", r.batchSize),
	)

	// 起動直後に1回実行
	r.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("audit replayer stopped")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Replayer) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("audit replay cycle failed",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は再送可能なエントリを1バッチ処理し、再送に成功した件数を返す。
// エントリは書き込みが成功した後にだけ削除する。
func (r *Replayer) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	entries, err := r.outbox.Due(ctx, r.now(), r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list outbox entries: %w", err)
	}

	replayed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		if err := r.apply(ctx, e); err != nil {
			e.Attempts++
			e.LastError = err.Error()
			e.NextAttemptAt = r.now().Add(CalculateBackoff(e.Attempts - 1))
			if uerr := r.outbox.Update(ctx, e); uerr != nil {
				r.logger.Error("failed to reschedule outbox entry",
					slog.String("entry_id", e.ID),
					slog.String("error", uerr.Error()),
				)
			}
			r.record(string(e.Kind), "retry")
			r.logger.Warn("audit replay failed",
				slog.String("entry_id", e.ID),
				slog.String("kind", string(e.Kind)),
				slog.Int("attempts", e.Attempts),
				slog.Time("next_attempt_at", e.NextAttemptAt),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := r.outbox.Delete(ctx, e.ID); err != nil {
			// 次の周期で再送されるが、書き込みは冪等
			r.logger.Error("failed to delete replayed outbox entry",
				slog.String("entry_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		replayed++
		r.record(string(e.Kind), "success")
	}

	if r.recorder != nil {
		if n, err := r.outbox.Len(ctx); err == nil {
			r.recorder.SetAuditBacklog(n)
		}
	}

	if len(entries) > 0 {
		r.logger.Info("audit replay cycle completed",
			slog.Int("due", len(entries)),
			slog.Int("replayed", replayed),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return replayed, nil
}

// apply はエントリを監査ストアへ書き込む。history の Insert と redeemer の Upsert は
// 同じエントリを2回適用しても結果が変わらない。
func (r *Replayer) apply(ctx context.Context, e audit.Entry) error {
	switch e.Kind {
	case audit.EntryHistory:
		if e.History == nil {
			return fmt.Errorf("history entry %s has no record", e.ID)
		}
		return r.history.Insert(ctx, e.History)
	case audit.EntryRedeemer:
		if e.Redeemer == nil {
			return fmt.Errorf("redeemer entry %s has no record", e.ID)
		}
		w := e.Redeemer
		_, err := r.redeemers.Upsert(ctx, w.ID, w.Store, w.User, w.At)
		return err
	default:
		return fmt.Errorf("unknown outbox entry kind %q", e.Kind)
	}
}

func (r *Replayer) record(kind, outcome string) {
	if r.recorder != nil {
		r.recorder.RecordAuditReplay(kind, outcome)
	}
}

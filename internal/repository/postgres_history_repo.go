package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/couponledger/internal/model"
)

// PostgresHistoryRepo はPostgreSQLを使用した取引履歴リポジトリ。
type PostgresHistoryRepo struct {
	db *sql.DB
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db *sql.DB) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db}
}

// Insert は履歴を1件追加する。再送に備えて同一IDの重複は無視する。
func (r *PostgresHistoryRepo) Insert(ctx context.Context, rec *model.HistoryRecord) error {
	classification := rec.Classification
	if classification == "" {
		classification = model.ClassificationHistory
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO history (id, classification, subject_id, coupon, type, date, peer)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, classification, rec.Subject, rec.Coupon, string(rec.Type), rec.Date, rec.Peer,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// FindBySubject は subject の [from, to] 期間の履歴を日時昇順で返す。
func (r *PostgresHistoryRepo) FindBySubject(ctx context.Context, subject string, from, to time.Time) ([]model.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, classification, subject_id, coupon, type, date, peer
		 FROM history
		 WHERE classification = $1 AND subject_id = $2 AND date >= $3 AND date <= $4
		 ORDER BY date ASC, id ASC`,
		model.ClassificationHistory, subject, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []model.HistoryRecord{}
	for rows.Next() {
		var rec model.HistoryRecord
		var typ string
		if err := rows.Scan(&rec.ID, &rec.Classification, &rec.Subject, &rec.Coupon, &typ, &rec.Date, &rec.Peer); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		rec.Type = model.HistoryType(typ)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return records, nil
}

// compile-time interface check
var _ HistoryRepository = (*PostgresHistoryRepo)(nil)

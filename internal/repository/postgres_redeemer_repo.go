package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/couponledger/internal/model"
)

// PostgresRedeemerRepo はPostgreSQLを使用した利用関係リポジトリ。
type PostgresRedeemerRepo struct {
	db *sql.DB
}

// NewPostgresRedeemerRepo はPostgresRedeemerRepoを生成する。
func NewPostgresRedeemerRepo(db *sql.DB) *PostgresRedeemerRepo {
	return &PostgresRedeemerRepo{db: db}
}

// Upsert は (store, user) のユニーク制約に対する1文のUPSERTで関係を記録する。
// 再送で古い時刻が届いても first は遡らず last は巻き戻らない。
func (r *PostgresRedeemerRepo) Upsert(ctx context.Context, id, store, user string, at time.Time) (*model.Redeemer, error) {
	red := &model.Redeemer{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO redeemers (id, classification, store, user_id, first_transaction, last_transaction)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (store, user_id) DO UPDATE
		 SET first_transaction = LEAST(redeemers.first_transaction, EXCLUDED.first_transaction),
		     last_transaction  = GREATEST(redeemers.last_transaction, EXCLUDED.last_transaction)
		 RETURNING id, classification, store, user_id, first_transaction, last_transaction`,
		id, model.ClassificationRedeemer, store, user, at,
	).Scan(&red.ID, &red.Classification, &red.Store, &red.User, &red.FirstTransaction, &red.LastTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert redeemer: %w", err)
	}
	return red, nil
}

// FindByStore は店舗の利用者一覧を返す。
func (r *PostgresRedeemerRepo) FindByStore(ctx context.Context, store string) ([]model.Redeemer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, classification, store, user_id, first_transaction, last_transaction
		 FROM redeemers
		 WHERE classification = $1 AND store = $2
		 ORDER BY first_transaction ASC`,
		model.ClassificationRedeemer, store,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query redeemers: %w", err)
	}
	defer rows.Close()

	redeemers := []model.Redeemer{}
	for rows.Next() {
		var red model.Redeemer
		if err := rows.Scan(&red.ID, &red.Classification, &red.Store, &red.User, &red.FirstTransaction, &red.LastTransaction); err != nil {
			return nil, fmt.Errorf("failed to scan redeemer: %w", err)
		}
		redeemers = append(redeemers, red)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate redeemers: %w", err)
	}

	return redeemers, nil
}

// compile-time interface check
var _ RedeemerRepository = (*PostgresRedeemerRepo)(nil)

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresIdempotencyRepo はPostgreSQLを使用した冪等キーリポジトリ。
type PostgresIdempotencyRepo struct {
	db *sql.DB
}

// NewPostgresIdempotencyRepo はPostgresIdempotencyRepoを生成する。
func NewPostgresIdempotencyRepo(db *sql.DB) *PostgresIdempotencyRepo {
	return &PostgresIdempotencyRepo{db: db}
}

// Find は保存済みの応答を返す。見つからない場合はnilを返す。
func (r *PostgresIdempotencyRepo) Find(ctx context.Context, caller, key string) (*IdempotentResponse, error) {
	resp := &IdempotentResponse{}
	var body []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT operation, response, created_at FROM idempotency_keys WHERE caller = $1 AND key = $2`,
		caller, key,
	).Scan(&resp.Operation, &body, &resp.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find idempotency key: %w", err)
	}

	resp.Response = json.RawMessage(body)
	return resp, nil
}

// Save は応答を保存する。既に存在する場合は最初の応答を残す。
func (r *PostgresIdempotencyRepo) Save(ctx context.Context, caller, key, operation string, response json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (caller, key, operation, response)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (caller, key) DO NOTHING`,
		caller, key, operation, []byte(response),
	)
	if err != nil {
		return fmt.Errorf("failed to save idempotency key: %w", err)
	}
	return nil
}

// compile-time interface check
var _ IdempotencyRepository = (*PostgresIdempotencyRepo)(nil)

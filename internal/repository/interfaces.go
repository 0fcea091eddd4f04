// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hitoshi/couponledger/internal/model"
)

// HistoryRepository は取引履歴の永続化インターフェース。
type HistoryRepository interface {
	// Insert は履歴を1件追加する。同じIDが既に存在する場合は何もしない。
	Insert(ctx context.Context, rec *model.HistoryRecord) error

	// FindBySubject は subject の [from, to] 期間の履歴を日時昇順で返す。
	FindBySubject(ctx context.Context, subject string, from, to time.Time) ([]model.HistoryRecord, error)
}

// RedeemerRepository は店舗と利用者の利用関係の永続化インターフェース。
type RedeemerRepository interface {
	// Upsert は (store, user) の関係を1文で作成または更新し、更新後の行を返す。
	// 新規の場合は first と last を at にし、既存の場合は last のみを進める。
	Upsert(ctx context.Context, id, store, user string, at time.Time) (*model.Redeemer, error)

	// FindByStore は店舗の利用者一覧を初回利用日時の昇順で返す。
	FindByStore(ctx context.Context, store string) ([]model.Redeemer, error)
}

// IdempotencyRepository は冪等キーに対する応答の永続化インターフェース。
type IdempotencyRepository interface {
	// Find は保存済みの応答を返す。見つからない場合はnilを返す。
	Find(ctx context.Context, caller, key string) (*IdempotentResponse, error)

	// Save は応答を保存する。既に存在する場合は上書きしない。
	Save(ctx context.Context, caller, key, operation string, response json.RawMessage) error
}

// IdempotentResponse は保存済みの応答。
type IdempotentResponse struct {
	Operation string
	Response  json.RawMessage
	CreatedAt time.Time
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hitoshi/couponledger/internal/model"
)

// EntryKind は退避した書き込みの種類。
type EntryKind string

const (
	EntryHistory  EntryKind = "history"
	EntryRedeemer EntryKind = "redeemer"
)

// RedeemerWrite は退避した利用関係の書き込み。
type RedeemerWrite struct {
	ID    string    `json:"id"`
	Store string    `json:"store"`
	User  string    `json:"user"`
	At    time.Time `json:"at"`
}

// Entry は監査ストアへの書き込みに失敗し、再送を待っている記録。
type Entry struct {
	ID            string               `json:"id"`
	Kind          EntryKind            `json:"kind"`
	History       *model.HistoryRecord `json:"history,omitempty"`
	Redeemer      *RedeemerWrite       `json:"redeemer,omitempty"`
	Attempts      int                  `json:"attempts"`
	NextAttemptAt time.Time            `json:"nextAttemptAt"`
	LastError     string               `json:"lastError,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// Outbox は再送待ちの書き込みを保持する。
type Outbox interface {
	Enqueue(ctx context.Context, e Entry) error
	// Due は now 時点で再送可能なエントリを最大 limit 件返す。
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	Update(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

var (
	outboxBucket = []byte("audit_outbox")
	// deadBucket は解読できないエントリの退避先。再送対象から外して手動調査に回す。
	deadBucket = []byte("audit_outbox_dead")
)

// BoltOutbox は bbolt ファイルに永続化する Outbox の実装。
// プロセス再起動後も未送信の記録が残る。
type BoltOutbox struct {
	db     *bolt.DB
	logger *slog.Logger
}

// OpenBoltOutbox は path の bbolt ファイルを開く。
func OpenBoltOutbox(path string) (*BoltOutbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{outboxBucket, deadBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox bucket: %w", err)
	}
	return &BoltOutbox{db: db, logger: slog.Default()}, nil
}

// Close はファイルを閉じる。
func (o *BoltOutbox) Close() error {
	return o.db.Close()
}

// Enqueue はエントリを追加する。同じIDは上書きする。
func (o *BoltOutbox) Enqueue(_ context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("outbox entry id is empty")
	}
	return o.put(e)
}

// Update はエントリを書き換える。
func (o *BoltOutbox) Update(_ context.Context, e Entry) error {
	return o.put(e)
}

func (o *BoltOutbox) put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode outbox entry: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Put([]byte(e.ID), data)
	})
}

// Due は再送可能なエントリを返す。
// 解読できないエントリは退避用バケットへ移し、他のエントリの再送を止めない。
func (o *BoltOutbox) Due(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	var due []Entry
	var corrupt [][2][]byte
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(due) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				corrupt = append(corrupt, [2][]byte{
					append([]byte(nil), k...),
					append([]byte(nil), v...),
				})
				continue
			}
			if e.NextAttemptAt.After(now) {
				continue
			}
			due = append(due, e)
		}

		dead := tx.Bucket(deadBucket)
		for _, kv := range corrupt {
			if err := dead.Put(kv[0], kv[1]); err != nil {
				return fmt.Errorf("failed to move outbox entry %s: %w", kv[0], err)
			}
			if err := b.Delete(kv[0]); err != nil {
				return fmt.Errorf("failed to move outbox entry %s: %w", kv[0], err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, kv := range corrupt {
		o.logger.Error("undecodable outbox entry moved to dead letters",
			slog.String("entry_id", string(kv[0])),
			slog.Int("size", len(kv[1])),
		)
	}
	return due, nil
}

// DeadLetters は退避用バケットに移したエントリ数を返す。
func (o *BoltOutbox) DeadLetters(_ context.Context) (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(deadBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Delete はエントリを削除する。
func (o *BoltOutbox) Delete(_ context.Context, id string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete([]byte(id))
	})
}

// Len は残っているエントリ数を返す。
func (o *BoltOutbox) Len(_ context.Context) (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(outboxBucket).Stats().KeyN
		return nil
	})
	return n, err
}

var _ Outbox = (*BoltOutbox)(nil)

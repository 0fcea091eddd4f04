package replay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/couponledger/internal/audit"
	"github.com/hitoshi/couponledger/internal/model"
)

// --- モック定義 ---

type mockHistoryRepo struct {
	mu       sync.Mutex
	insertFn func(ctx context.Context, rec *model.HistoryRecord) error
	inserted []string
}

func (m *mockHistoryRepo) Insert(ctx context.Context, rec *model.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertFn != nil {
		if err := m.insertFn(ctx, rec); err != nil {
			return err
		}
	}
	m.inserted = append(m.inserted, rec.ID)
	return nil
}

func (m *mockHistoryRepo) FindBySubject(context.Context, string, time.Time, time.Time) ([]model.HistoryRecord, error) {
	return nil, nil
}

type mockRedeemerRepo struct {
	upsertFn func(ctx context.Context, id, store, user string, at time.Time) (*model.Redeemer, error)
	calls    int
}

func (m *mockRedeemerRepo) Upsert(ctx context.Context, id, store, user string, at time.Time) (*model.Redeemer, error) {
	m.calls++
	if m.upsertFn != nil {
		return m.upsertFn(ctx, id, store, user, at)
	}
	return &model.Redeemer{ID: id, Store: store, User: user, FirstTransaction: at, LastTransaction: at}, nil
}

func (m *mockRedeemerRepo) FindByStore(context.Context, string) ([]model.Redeemer, error) {
	return nil, nil
}

type mockRecorder struct {
	outcomes []string
	backlog  int
}

func (m *mockRecorder) RecordAuditReplay(kind, outcome string) {
	m.outcomes = append(m.outcomes, kind+":"+outcome)
}

func (m *mockRecorder) SetAuditBacklog(n int) { m.backlog = n }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func openOutbox(t *testing.T) *audit.BoltOutbox {
	t.Helper()
	ob, err := audit.OpenBoltOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("アウトボックスのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { ob.Close() })
	return ob
}

// --- バックオフ ---

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{6, 30 * time.Minute},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.attempts); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

// --- 再送 ---

func TestNewReplayer_DefaultBatchSize(t *testing.T) {
	var buf bytes.Buffer
	r := NewReplayer(openOutbox(t), &mockHistoryRepo{}, &mockRedeemerRepo{}, nil, newTestLogger(&buf), 0)
	if r.batchSize != 100 {
		t.Errorf("batchSize = %d, want 100", r.batchSize)
	}
}

func TestRunOnce_ReplaysAndDeletes(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	ob := openOutbox(t)
	hist := &mockHistoryRepo{}
	reds := &mockRedeemerRepo{}
	rec := &mockRecorder{}

	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	_ = ob.Enqueue(ctx, audit.Entry{ID: "H1", Kind: audit.EntryHistory, History: &model.HistoryRecord{ID: "H1", Subject: "U1"}})
	_ = ob.Enqueue(ctx, audit.Entry{ID: "R1", Kind: audit.EntryRedeemer, Redeemer: &audit.RedeemerWrite{ID: "R1", Store: "S1", User: "U1", At: at}})

	r := NewReplayer(ob, hist, reds, rec, newTestLogger(&buf), 10)
	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if n != 2 {
		t.Errorf("再送件数 = %d, want 2", n)
	}
	if len(hist.inserted) != 1 || hist.inserted[0] != "H1" {
		t.Errorf("履歴の再送 = %v", hist.inserted)
	}
	if reds.calls != 1 {
		t.Errorf("利用関係の再送回数 = %d, want 1", reds.calls)
	}

	left, _ := ob.Len(ctx)
	if left != 0 {
		t.Errorf("残件数 = %d, want 0", left)
	}
	if rec.backlog != 0 {
		t.Errorf("backlog = %d, want 0", rec.backlog)
	}
}

func TestRunOnce_FailureKeepsEntryWithBackoff(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	ob := openOutbox(t)
	hist := &mockHistoryRepo{insertFn: func(context.Context, *model.HistoryRecord) error {
		return errors.New("still down")
	}}
	rec := &mockRecorder{}

	_ = ob.Enqueue(ctx, audit.Entry{ID: "H1", Kind: audit.EntryHistory, History: &model.HistoryRecord{ID: "H1"}})

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	r := NewReplayer(ob, hist, &mockRedeemerRepo{}, rec, newTestLogger(&buf), 10)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if n != 0 {
		t.Errorf("再送件数 = %d, want 0", n)
	}

	// バックオフ中は対象外
	due, _ := ob.Due(ctx, now, 0)
	if len(due) != 0 {
		t.Errorf("バックオフ中のエントリが返された: %+v", due)
	}

	later, _ := ob.Due(ctx, now.Add(initialBackoff), 0)
	if len(later) != 1 {
		t.Fatalf("バックオフ後に1件返るべき: %+v", later)
	}
	if later[0].Attempts != 1 || later[0].LastError != "still down" {
		t.Errorf("エントリ状態が不正: %+v", later[0])
	}
	if rec.backlog != 1 {
		t.Errorf("backlog = %d, want 1", rec.backlog)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "history:retry" {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestRunOnce_UnknownKindIsRetriedNotDropped(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	ob := openOutbox(t)
	_ = ob.Enqueue(ctx, audit.Entry{ID: "X", Kind: "bogus"})

	r := NewReplayer(ob, &mockHistoryRepo{}, &mockRedeemerRepo{}, nil, newTestLogger(&buf), 10)
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	n, _ := ob.Len(ctx)
	if n != 1 {
		t.Errorf("未知の種類のエントリが削除された: Len = %d", n)
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	ob := openOutbox(t)
	r := NewReplayer(ob, &mockHistoryRepo{}, &mockRedeemerRepo{}, nil, newTestLogger(&buf), 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に戻らない")
	}
}

package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hitoshi/couponledger/internal/model"
)

type mockHistoryRepo struct {
	mu        sync.Mutex
	insertErr error
	records   []model.HistoryRecord
	findFn    func(ctx context.Context, subject string, from, to time.Time) ([]model.HistoryRecord, error)
}

func (m *mockHistoryRepo) Insert(_ context.Context, rec *model.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *mockHistoryRepo) FindBySubject(ctx context.Context, subject string, from, to time.Time) ([]model.HistoryRecord, error) {
	if m.findFn != nil {
		return m.findFn(ctx, subject, from, to)
	}
	return nil, nil
}

type mockRedeemerRepo struct {
	mu        sync.Mutex
	upsertErr error
	rows      map[string]*model.Redeemer
}

func (m *mockRedeemerRepo) Upsert(_ context.Context, id, store, user string, at time.Time) (*model.Redeemer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	if m.rows == nil {
		m.rows = map[string]*model.Redeemer{}
	}
	key := store + "|" + user
	red, ok := m.rows[key]
	if !ok {
		red = &model.Redeemer{ID: id, Classification: model.ClassificationRedeemer, Store: store, User: user, FirstTransaction: at, LastTransaction: at}
		m.rows[key] = red
	} else {
		if at.Before(red.FirstTransaction) {
			red.FirstTransaction = at
		}
		if at.After(red.LastTransaction) {
			red.LastTransaction = at
		}
	}
	cp := *red
	return &cp, nil
}

func (m *mockRedeemerRepo) FindByStore(_ context.Context, store string) ([]model.Redeemer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Redeemer
	for _, r := range m.rows {
		if r.Store == store {
			out = append(out, *r)
		}
	}
	return out, nil
}

type mockRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockRecorder) RecordAuditWrite(kind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, kind+":"+outcome)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestOutbox(t *testing.T) *BoltOutbox {
	t.Helper()
	ob, err := OpenBoltOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("アウトボックスのオープンに失敗: %v", err)
	}
	t.Cleanup(func() { ob.Close() })
	return ob
}

func TestAppendHistory_AssignsIDDateAndClassification(t *testing.T) {
	repo := &mockHistoryRepo{}
	svc := NewService(repo, &mockRedeemerRepo{}, nil, nil, discardLogger())
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	got, err := svc.AppendHistory(context.Background(), model.HistoryRecord{
		ID:      "caller-supplied",
		Subject: "U1",
		Coupon:  "C1",
		Type:    model.HistoryIssue,
		Date:    time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("AppendHistoryに失敗: %v", err)
	}

	if got.ID == "caller-supplied" || got.ID == "" {
		t.Errorf("IDは採番されるべき: %q", got.ID)
	}
	if got.ID != strings.ToUpper(got.ID) {
		t.Errorf("IDは大文字であるべき: %q", got.ID)
	}
	if !got.Date.Equal(fixed) {
		t.Errorf("Date = %v, want %v", got.Date, fixed)
	}
	if got.Classification != model.ClassificationHistory {
		t.Errorf("Classification = %q", got.Classification)
	}
	if len(repo.records) != 1 || repo.records[0].ID != got.ID {
		t.Errorf("保存された記録が一致しない: %+v", repo.records)
	}
}

func TestAppendHistory_FailureSpoolsToOutbox(t *testing.T) {
	ob := openTestOutbox(t)
	rec := &mockRecorder{}
	svc := NewService(&mockHistoryRepo{insertErr: errors.New("connection refused")}, &mockRedeemerRepo{}, ob, rec, discardLogger())

	got, err := svc.AppendHistory(context.Background(), model.HistoryRecord{Subject: "U1", Coupon: "C1", Type: model.HistoryTransfer})
	if err == nil {
		t.Fatal("エラーが返されるべき")
	}
	if model.KindOf(err) != model.KindPartialWrite {
		t.Errorf("Kind = %v, want PARTIAL_WRITE", model.KindOf(err))
	}

	entries, err := ob.Due(context.Background(), time.Now().Add(time.Second), 0)
	if err != nil {
		t.Fatalf("Dueに失敗: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("退避件数 = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Kind != EntryHistory || e.History == nil || e.History.ID != got.ID {
		t.Errorf("退避内容が不正: %+v", e)
	}
	if e.LastError != "connection refused" {
		t.Errorf("LastError = %q", e.LastError)
	}

	want := []string{"history:error", "history:spooled"}
	if strings.Join(rec.calls, ",") != strings.Join(want, ",") {
		t.Errorf("メトリクス = %v, want %v", rec.calls, want)
	}
}

func TestAppendHistory_FailureWithoutOutboxStillPartial(t *testing.T) {
	svc := NewService(&mockHistoryRepo{insertErr: errors.New("down")}, &mockRedeemerRepo{}, nil, nil, discardLogger())

	_, err := svc.AppendHistory(context.Background(), model.HistoryRecord{Subject: "U1"})
	if model.KindOf(err) != model.KindPartialWrite {
		t.Errorf("Kind = %v, want PARTIAL_WRITE", model.KindOf(err))
	}
}

func TestUpsertRedeemer_FirstAndLast(t *testing.T) {
	repo := &mockRedeemerRepo{}
	svc := NewService(&mockHistoryRepo{}, repo, nil, nil, discardLogger())

	t1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(3 * time.Hour)

	svc.now = func() time.Time { return t1 }
	if _, err := svc.UpsertRedeemer(context.Background(), "S1", "U1"); err != nil {
		t.Fatalf("1回目のUpsertRedeemerに失敗: %v", err)
	}
	svc.now = func() time.Time { return t2 }
	red, err := svc.UpsertRedeemer(context.Background(), "S1", "U1")
	if err != nil {
		t.Fatalf("2回目のUpsertRedeemerに失敗: %v", err)
	}

	if !red.FirstTransaction.Equal(t1) || !red.LastTransaction.Equal(t2) {
		t.Errorf("first=%v last=%v, want %v / %v", red.FirstTransaction, red.LastTransaction, t1, t2)
	}

	all, err := svc.QueryRedeemer(context.Background(), "S1")
	if err != nil {
		t.Fatalf("QueryRedeemerに失敗: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("件数 = %d, want 1", len(all))
	}
}

func TestUpsertRedeemer_FailureSpools(t *testing.T) {
	ob := openTestOutbox(t)
	svc := NewService(&mockHistoryRepo{}, &mockRedeemerRepo{upsertErr: errors.New("timeout")}, ob, nil, discardLogger())

	_, err := svc.UpsertRedeemer(context.Background(), "S1", "U1")
	if model.KindOf(err) != model.KindPartialWrite {
		t.Fatalf("Kind = %v, want PARTIAL_WRITE", model.KindOf(err))
	}

	n, err := ob.Len(context.Background())
	if err != nil {
		t.Fatalf("Lenに失敗: %v", err)
	}
	if n != 1 {
		t.Errorf("退避件数 = %d, want 1", n)
	}
}

func TestQueryHistory_RepoErrorIsTransport(t *testing.T) {
	repo := &mockHistoryRepo{findFn: func(context.Context, string, time.Time, time.Time) ([]model.HistoryRecord, error) {
		return nil, errors.New("boom")
	}}
	svc := NewService(repo, &mockRedeemerRepo{}, nil, nil, discardLogger())

	_, err := svc.QueryHistory(context.Background(), "U1", time.Time{}, time.Now())
	if model.KindOf(err) != model.KindTransport {
		t.Errorf("Kind = %v, want TRANSPORT", model.KindOf(err))
	}
}

func TestBoltOutbox_DueRespectsNextAttemptAndLimit(t *testing.T) {
	ob := openTestOutbox(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	for _, e := range []Entry{
		{ID: "A", Kind: EntryHistory, NextAttemptAt: now.Add(-time.Minute)},
		{ID: "B", Kind: EntryHistory, NextAttemptAt: now.Add(time.Hour)},
		{ID: "C", Kind: EntryRedeemer, NextAttemptAt: now},
	} {
		if err := ob.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueueに失敗: %v", err)
		}
	}

	due, err := ob.Due(ctx, now, 0)
	if err != nil {
		t.Fatalf("Dueに失敗: %v", err)
	}
	if len(due) != 2 || due[0].ID != "A" || due[1].ID != "C" {
		t.Errorf("Due = %+v, want A, C", due)
	}

	limited, err := ob.Due(ctx, now, 1)
	if err != nil {
		t.Fatalf("Dueに失敗: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 で %d 件返った", len(limited))
	}

	if err := ob.Delete(ctx, "A"); err != nil {
		t.Fatalf("Deleteに失敗: %v", err)
	}
	n, _ := ob.Len(ctx)
	if n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}

func TestBoltOutbox_EnqueueRejectsEmptyID(t *testing.T) {
	ob := openTestOutbox(t)
	if err := ob.Enqueue(context.Background(), Entry{Kind: EntryHistory}); err == nil {
		t.Error("空IDはエラーになるべき")
	}
}

func TestBoltOutbox_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ob, err := OpenBoltOutbox(path)
	if err != nil {
		t.Fatalf("オープンに失敗: %v", err)
	}
	if err := ob.Enqueue(context.Background(), Entry{ID: "X", Kind: EntryRedeemer, Redeemer: &RedeemerWrite{ID: "X", Store: "S", User: "U"}}); err != nil {
		t.Fatalf("Enqueueに失敗: %v", err)
	}
	ob.Close()

	reopened, err := OpenBoltOutbox(path)
	if err != nil {
		t.Fatalf("再オープンに失敗: %v", err)
	}
	defer reopened.Close()

	due, err := reopened.Due(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatalf("Dueに失敗: %v", err)
	}
	if len(due) != 1 || due[0].Redeemer == nil || due[0].Redeemer.Store != "S" {
		t.Errorf("再オープン後の内容が不正: %+v", due)
	}
}

func TestBoltOutbox_DueMovesUndecodableEntryAside(t *testing.T) {
	ob := openTestOutbox(t)
	var logs strings.Builder
	ob.logger = slog.New(slog.NewJSONHandler(&logs, nil))
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	if err := ob.Enqueue(ctx, Entry{ID: "A", Kind: EntryHistory, NextAttemptAt: now}); err != nil {
		t.Fatalf("Enqueueに失敗: %v", err)
	}
	if err := ob.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Put([]byte("BROKEN"), []byte("{not json"))
	}); err != nil {
		t.Fatalf("壊れたエントリの書き込みに失敗: %v", err)
	}
	if err := ob.Enqueue(ctx, Entry{ID: "C", Kind: EntryRedeemer, NextAttemptAt: now}); err != nil {
		t.Fatalf("Enqueueに失敗: %v", err)
	}

	for round := 1; round <= 2; round++ {
		due, err := ob.Due(ctx, now, 0)
		if err != nil {
			t.Fatalf("%d回目: 壊れたエントリがあっても Due は失敗しないべき: %v", round, err)
		}
		if len(due) != 2 || due[0].ID != "A" || due[1].ID != "C" {
			t.Errorf("%d回目: Due = %+v, want A, C", round, due)
		}
	}

	if n, _ := ob.Len(ctx); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
	if n, _ := ob.DeadLetters(ctx); n != 1 {
		t.Errorf("DeadLetters = %d, want 1", n)
	}
	if !strings.Contains(logs.String(), `"entry_id":"BROKEN"`) {
		t.Errorf("退避したエントリがログに記録されていない: %s", logs.String())
	}
}

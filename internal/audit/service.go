// Package audit は台帳とは独立した監査記録（取引履歴・利用関係）を扱う。
// 書き込みに失敗した記録はアウトボックスへ退避し、後から再送する。
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/couponledger/internal/model"
	"github.com/hitoshi/couponledger/internal/repository"
)

// Recorder は監査書き込みのメトリクスを記録する。
type Recorder interface {
	RecordAuditWrite(kind, outcome string)
}

// Service は監査ストアの操作を提供する。
type Service struct {
	history   repository.HistoryRepository
	redeemers repository.RedeemerRepository
	outbox    Outbox
	recorder  Recorder
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewService は Service を生成する。outbox と recorder は nil でもよい。
func NewService(
	history repository.HistoryRepository,
	redeemers repository.RedeemerRepository,
	outbox Outbox,
	recorder Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		history:   history,
		redeemers: redeemers,
		outbox:    outbox,
		recorder:  recorder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     NewRecordID,
	}
}

// NewRecordID は監査記録用の大文字UUIDを返す。
func NewRecordID() string {
	return strings.ToUpper(uuid.NewString())
}

// AppendHistory は履歴を1件追加する。ID と日時は呼び出し元の値を無視して採番する。
// 書き込みに失敗した場合はアウトボックスに退避し、KindPartialWrite のエラーを返す。
func (s *Service) AppendHistory(ctx context.Context, rec model.HistoryRecord) (*model.HistoryRecord, error) {
	rec.ID = s.newID()
	rec.Date = s.now()
	rec.Classification = model.ClassificationHistory

	if err := s.history.Insert(ctx, &rec); err != nil {
		s.record(string(EntryHistory), "error")
		return &rec, s.spool(ctx, Entry{ID: rec.ID, Kind: EntryHistory, History: &rec}, err)
	}

	s.record(string(EntryHistory), "success")
	return &rec, nil
}

// QueryHistory は subject の [from, to] 期間の履歴を日時昇順で返す。
func (s *Service) QueryHistory(ctx context.Context, subject string, from, to time.Time) ([]model.HistoryRecord, error) {
	records, err := s.history.FindBySubject(ctx, subject, from, to)
	if err != nil {
		return nil, &model.Error{Kind: model.KindTransport, Message: "failed to query history", Err: err}
	}
	return records, nil
}

// UpsertRedeemer は店舗と利用者の利用関係を記録する。
// 書き込みに失敗した場合はアウトボックスに退避し、KindPartialWrite のエラーを返す。
func (s *Service) UpsertRedeemer(ctx context.Context, store, user string) (*model.Redeemer, error) {
	w := RedeemerWrite{ID: s.newID(), Store: store, User: user, At: s.now()}

	red, err := s.redeemers.Upsert(ctx, w.ID, w.Store, w.User, w.At)
	if err != nil {
		s.record(string(EntryRedeemer), "error")
		return nil, s.spool(ctx, Entry{ID: w.ID, Kind: EntryRedeemer, Redeemer: &w}, err)
	}

	s.record(string(EntryRedeemer), "success")
	return red, nil
}

// QueryRedeemer は店舗の利用者一覧を返す。
func (s *Service) QueryRedeemer(ctx context.Context, store string) ([]model.Redeemer, error) {
	redeemers, err := s.redeemers.FindByStore(ctx, store)
	if err != nil {
		return nil, &model.Error{Kind: model.KindTransport, Message: "failed to query redeemers", Err: err}
	}
	return redeemers, nil
}

// spool は失敗した書き込みをアウトボックスに退避する。
// 呼び出し元のcontextが切れていても退避できるよう独立したcontextを使う。
func (s *Service) spool(ctx context.Context, e Entry, cause error) error {
	e.CreatedAt = s.now()
	e.NextAttemptAt = e.CreatedAt
	e.LastError = cause.Error()

	partial := &model.Error{
		Kind:    model.KindPartialWrite,
		Message: fmt.Sprintf("audit %s write failed", e.Kind),
		Err:     cause,
	}

	if s.outbox == nil {
		s.logger.Error("audit write lost",
			slog.String("entry_id", e.ID),
			slog.String("kind", string(e.Kind)),
			slog.String("error", cause.Error()),
		)
		return partial
	}

	spoolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.outbox.Enqueue(spoolCtx, e); err != nil {
		s.record(string(e.Kind), "lost")
		s.logger.Error("audit write lost: outbox unavailable",
			slog.String("entry_id", e.ID),
			slog.String("kind", string(e.Kind)),
			slog.String("error", cause.Error()),
			slog.String("outbox_error", err.Error()),
		)
		partial.Message += " and could not be queued for retry"
		return partial
	}

	s.record(string(e.Kind), "spooled")
	s.logger.Warn("audit write queued for retry",
		slog.String("entry_id", e.ID),
		slog.String("kind", string(e.Kind)),
		slog.String("error", cause.Error()),
	)
	return partial
}

func (s *Service) record(kind, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordAuditWrite(kind, outcome)
	}
}

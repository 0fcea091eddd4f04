// Package coupon はクーポンのライフサイクル操作を台帳・監査ストア・イベントハブに
// 振り分けるオーケストレーション層を提供する。
//
// 各操作は「入力検証 → 台帳呼び出し → 監査記録 → イベント発行」の順に進む。
// 台帳呼び出しが失敗した場合は以降の処理を行わない。台帳が成功した後の
// 監査記録とイベント発行はベストエフォートで、失敗しても操作自体は成功とする。
package coupon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/couponledger/internal/ca"
	"github.com/hitoshi/couponledger/internal/enrollment"
	"github.com/hitoshi/couponledger/internal/event"
	"github.com/hitoshi/couponledger/internal/ledger"
	"github.com/hitoshi/couponledger/internal/model"
	"github.com/hitoshi/couponledger/internal/repository"
	"github.com/hitoshi/couponledger/internal/security"
)

// Enroller は参加者の署名用識別子を発行する。
type Enroller interface {
	Enroll(ctx context.Context, id, password string, participantType model.ParticipantType) (*enrollment.Result, error)
}

// AuditLog は台帳外の監査記録を扱う。
type AuditLog interface {
	AppendHistory(ctx context.Context, rec model.HistoryRecord) (*model.HistoryRecord, error)
	QueryHistory(ctx context.Context, subject string, from, to time.Time) ([]model.HistoryRecord, error)
	UpsertRedeemer(ctx context.Context, store, user string) (*model.Redeemer, error)
	QueryRedeemer(ctx context.Context, store string) ([]model.Redeemer, error)
}

// PasswordHasher はパスワードのハッシュ化と照合を行う。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) (bool, error)
}

// Recorder は操作結果のメトリクスを記録する。
type Recorder interface {
	RecordOperation(operation, outcome string)
	RecordAuditGap(operation string)
}

// Config はオーケストレータの設定。
type Config struct {
	// AdminIdentity は参加者照会や利用者登録に使う管理者のウォレットID。
	AdminIdentity string
}

// Deps はオーケストレータの依存関係。Idempotency と Recorder は nil でもよい。
type Deps struct {
	Ledger      ledger.Invoker
	Enroller    Enroller
	Audit       AuditLog
	Events      event.Publisher
	Idempotency repository.IdempotencyRepository
	Hasher      PasswordHasher
	Sanitizer   security.TextSanitizer
	Recorder    Recorder
	Logger      *slog.Logger
}

// Service はクーポン操作のオーケストレータ。
type Service struct {
	platform *ledger.PlatformContract
	service  *ledger.ServiceContract
	enroller Enroller
	audit    AuditLog
	events   event.Publisher
	idem     repository.IdempotencyRepository
	hasher   PasswordHasher
	text     security.TextSanitizer
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config

	now   func() time.Time
	newID func() string
}

// NewService は Service を生成する。
func NewService(deps Deps, cfg Config) *Service {
	if cfg.AdminIdentity == "" {
		cfg.AdminIdentity = "admin"
	}
	return &Service{
		platform: ledger.NewPlatformContract(deps.Ledger),
		service:  ledger.NewServiceContract(deps.Ledger),
		enroller: deps.Enroller,
		audit:    deps.Audit,
		events:   deps.Events,
		idem:     deps.Idempotency,
		hasher:   deps.Hasher,
		text:     deps.Sanitizer,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		tracer:   otel.Tracer("github.com/hitoshi/couponledger/internal/coupon"),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newUpperID,
	}
}

func newUpperID() string {
	return strings.ToUpper(uuid.NewString())
}

// begin は操作のスパンとログを開始し、終了時に呼ぶ関数を返す。
// 終了関数は受け取ったエラーを種別付きのエラーに変換して返す。
func (s *Service) begin(ctx context.Context, op string, caller *model.Caller) (context.Context, func(error) error) {
	ctx, span := s.tracer.Start(ctx, "coupon."+op, trace.WithAttributes(attribute.String("coupon.operation", op)))

	logger := s.logger.With(slog.String("operation", op))
	if caller != nil {
		logger = logger.With(
			slog.String("caller_id", caller.ID),
			slog.String("caller_type", string(caller.Type)),
		)
		span.SetAttributes(attribute.String("coupon.caller_id", caller.ID))
	}
	logger.Info("operation started")
	start := time.Now()

	return ctx, func(err error) error {
		defer span.End()
		duration := slog.Float64("duration_ms", float64(time.Since(start).Milliseconds()))

		if err != nil {
			err = classify(err)
			kind := model.KindOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, string(kind))
			logger.Warn("operation failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
				duration,
			)
			s.recordOperation(op, string(kind))
			return err
		}

		logger.Info("operation completed", duration)
		s.recordOperation(op, "success")
		return nil
	}
}

// classify は下位層のエラーをクライアント向けの種別付きエラーに変換する。
func classify(err error) error {
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}

	if errors.Is(err, ledger.ErrUnknownIdentity) {
		return model.NewAuthenticationError(ledger.ErrUnknownIdentity.Error(), err)
	}
	if errors.Is(err, enrollment.ErrAdminNotProvisioned) || errors.Is(err, enrollment.ErrIdentityAlreadyEnrolled) {
		return model.NewAuthenticationError(err.Error(), err)
	}

	var le *ledger.Error
	if errors.As(err, &le) {
		kind := model.KindTransport
		if le.Kind == ledger.EndorsementFailure {
			kind = model.KindLedgerRejection
		}
		return &model.Error{Kind: kind, Message: le.Message, Err: err}
	}

	var ce *ca.Error
	if errors.As(err, &ce) {
		return &model.Error{Kind: model.KindTransport, Message: ce.Error(), Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &model.Error{Kind: model.KindTransport, Message: err.Error(), Err: err}
	}

	return model.NewInternalError(err.Error(), err)
}

func requireCaller(caller *model.Caller) error {
	if caller == nil || caller.ID == "" {
		return model.NewAuthenticationError("caller identity is missing", nil)
	}
	return nil
}

// recordHistory はクーポン1枚ごとに相手側と自分側の2件の履歴を書き込む。
// 台帳は既に確定しているため、失敗はログとメトリクスに残して処理を続ける。
func (s *Service) recordHistory(ctx context.Context, op string, typ model.HistoryType, coupons []string, counterparty, source, peer string) {
	// 呼び出し元が切断しても監査記録は書き切る
	auditCtx := context.WithoutCancel(ctx)

	for _, couponID := range coupons {
		for _, subject := range []string{counterparty, source} {
			rec := model.HistoryRecord{Subject: subject, Coupon: couponID, Type: typ, Peer: peer}
			if _, err := s.audit.AppendHistory(auditCtx, rec); err != nil {
				s.auditGap(op, err,
					slog.String("subject", subject),
					slog.String("coupon", couponID),
					slog.String("history_type", string(typ)),
				)
			}
		}
	}
}

func (s *Service) auditGap(op string, err error, attrs ...any) {
	args := append([]any{
		slog.String("operation", op),
		slog.String("kind", string(model.KindOf(err))),
		slog.String("error", err.Error()),
	}, attrs...)
	s.logger.Warn("audit write failed after ledger commit", args...)
	if s.recorder != nil {
		s.recorder.RecordAuditGap(op)
	}
}

// publish はイベントを発行する。発行の失敗で操作を失敗させない。
func (s *Service) publish(typ model.EventType, identity string, coupons []string) {
	if s.events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event publish panicked", slog.String("type", string(typ)), slog.Any("panic", r))
		}
	}()

	s.events.Publish(model.DomainEvent{
		EventID:  s.newID(),
		Date:     s.now(),
		Type:     typ,
		Identity: identity,
		Data:     map[string]any{"coupon": coupons},
	}, event.Topic)
}

func (s *Service) recordOperation(op, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordOperation(op, outcome)
	}
}

func (s *Service) clean(in string) string {
	if s.text == nil {
		return strings.TrimSpace(in)
	}
	return s.text.Clean(in)
}

func missing(field string) error {
	return model.NewValidationError("Required field [%s] is missing.", field)
}

func wrapDecode(what string, err error) error {
	return model.NewInternalError(fmt.Sprintf("unexpected %s from ledger", what), err)
}

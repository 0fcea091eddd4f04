package coupon

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/couponledger/internal/model"
)

const opIssueCoupon = "issueCoupon"

// issueNamespace は冪等キーからクーポンIDを導出するための名前空間。
var issueNamespace = uuid.MustParse("6f1c8f5e-3a0b-5b7e-9c1d-2e4f6a8b0c13")

type issueParam struct {
	AssetID   string   `json:"assetId"`
	IDs       []string `json:"ids"`
	Value     int      `json:"value"`
	Quantity  int      `json:"quantity"`
	Expiry    int64    `json:"expiry"`
	Recipient string   `json:"recipient"`
}

type transferParam struct {
	Coupon    []string `json:"coupon"`
	Recipient string   `json:"recipient"`
}

type redeemParam struct {
	Coupon []string `json:"coupon"`
	Store  string   `json:"store"`
}

type batchParam struct {
	Coupon []string `json:"coupon"`
}

type deactivateParam struct {
	Coupon []string `json:"coupon"`
	Reason string   `json:"reason"`
}

// RegisterCoupon はクーポンの種類を登録し、採番したIDを返す。
func (s *Service) RegisterCoupon(ctx context.Context, caller *model.Caller, in RegisterCouponInput) (string, error) {
	ctx, done := s.begin(ctx, "registerCoupon", caller)
	id, err := s.registerCoupon(ctx, caller, in)
	return id, done(err)
}

func (s *Service) registerCoupon(ctx context.Context, caller *model.Caller, in RegisterCouponInput) (string, error) {
	if err := requireCaller(caller); err != nil {
		return "", err
	}
	name := s.clean(in.Name)
	if name == "" {
		return "", missing("name")
	}
	denomination, err := in.denominations()
	if err != nil {
		return "", err
	}

	asset := model.CouponAsset{
		ID:           s.newID(),
		Name:         name,
		Denomination: denomination,
	}
	if _, err := s.service.RegisterCoupon(ctx, caller.ID, asset); err != nil {
		return "", err
	}
	return asset.ID, nil
}

// IssueCoupon は quantity 枚のクーポンを発行し、発行したIDを返す。
// IdempotencyKey が指定された場合、IDはキーから決定的に導出され、
// 完了済みの同じキーには保存済みの応答を返す。
func (s *Service) IssueCoupon(ctx context.Context, caller *model.Caller, in IssueInput) ([]string, error) {
	ctx, done := s.begin(ctx, opIssueCoupon, caller)
	ids, err := s.issueCoupon(ctx, caller, in)
	return ids, done(err)
}

func (s *Service) issueCoupon(ctx context.Context, caller *model.Caller, in IssueInput) ([]string, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	idempotent := in.IdempotencyKey != "" && s.idem != nil
	if idempotent {
		ids, found, err := s.replayIssue(ctx, caller.ID, in.IdempotencyKey)
		if err != nil || found {
			return ids, err
		}
	}

	quantity := *in.Quantity
	ids := make([]string, quantity)
	for i := range ids {
		if in.IdempotencyKey != "" {
			ids[i] = deriveCouponID(caller.ID, in.IdempotencyKey, i)
		} else {
			ids[i] = s.newID()
		}
	}

	param := issueParam{
		AssetID:   in.Coupon,
		IDs:       ids,
		Value:     *in.Value,
		Quantity:  quantity,
		Expiry:    *in.Expiry,
		Recipient: in.Recipient,
	}
	if _, err := s.service.IssueCoupon(ctx, caller.ID, param); err != nil {
		return nil, err
	}

	s.recordHistory(ctx, opIssueCoupon, model.HistoryIssue, ids, in.Recipient, caller.Peer, caller.Peer)

	if idempotent {
		s.saveIssue(ctx, caller.ID, in.IdempotencyKey, ids)
	}

	s.publish(model.EventIssue, in.Recipient, ids)
	return ids, nil
}

// deriveCouponID は呼び出し元・冪等キー・連番から決定的なクーポンIDを導出する。
func deriveCouponID(callerID, key string, index int) string {
	name := callerID + "|" + key + "|" + strconv.Itoa(index)
	return strings.ToUpper(uuid.NewSHA1(issueNamespace, []byte(name)).String())
}

func (s *Service) replayIssue(ctx context.Context, callerID, key string) ([]string, bool, error) {
	stored, err := s.idem.Find(ctx, callerID, key)
	if err != nil {
		return nil, false, &model.Error{Kind: model.KindTransport, Message: "failed to look up idempotency key", Err: err}
	}
	if stored == nil {
		return nil, false, nil
	}
	if stored.Operation != opIssueCoupon {
		return nil, false, model.NewValidationError("Idempotency key [%s] was already used for %s.", key, stored.Operation)
	}

	var ids []string
	if err := json.Unmarshal(stored.Response, &ids); err != nil {
		return nil, false, model.NewInternalError("stored idempotent response is corrupt", err)
	}
	s.logger.Info("replaying stored issue response",
		slog.String("caller_id", callerID),
		slog.Int("coupon_count", len(ids)),
	)
	return ids, true, nil
}

func (s *Service) saveIssue(ctx context.Context, callerID, key string, ids []string) {
	body, err := json.Marshal(ids)
	if err == nil {
		err = s.idem.Save(context.WithoutCancel(ctx), callerID, key, opIssueCoupon, body)
	}
	if err != nil {
		s.logger.Warn("failed to store idempotent issue response",
			slog.String("caller_id", callerID),
			slog.String("error", err.Error()),
		)
	}
}

// TransferCoupon は呼び出し元が保有するクーポンを recipient に譲渡する。
func (s *Service) TransferCoupon(ctx context.Context, caller *model.Caller, in TransferInput) ([]string, error) {
	const op = "transferCoupon"
	ctx, done := s.begin(ctx, op, caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	if err := validateCoupons(in.Coupon); err != nil {
		return nil, done(err)
	}
	if in.Recipient == "" {
		return nil, done(missing("recipient"))
	}

	if _, err := s.service.CheckExpiration(ctx, caller.ID); err != nil {
		return nil, done(err)
	}
	if _, err := s.service.TransferCoupon(ctx, caller.ID, transferParam{Coupon: in.Coupon, Recipient: in.Recipient}); err != nil {
		return nil, done(err)
	}

	s.recordHistory(ctx, op, model.HistoryTransfer, in.Coupon, in.Recipient, caller.ID, caller.Peer)
	s.publish(model.EventTransfer, in.Recipient, in.Coupon)
	return in.Coupon, done(nil)
}

// RedeemCoupon は呼び出し元のクーポンを店舗で利用する。
func (s *Service) RedeemCoupon(ctx context.Context, caller *model.Caller, in RedeemInput) ([]string, error) {
	const op = "redeemCoupon"
	ctx, done := s.begin(ctx, op, caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	if err := validateCoupons(in.Coupon); err != nil {
		return nil, done(err)
	}
	if in.Store == "" {
		return nil, done(missing("store"))
	}

	if _, err := s.service.CheckExpiration(ctx, caller.ID); err != nil {
		return nil, done(err)
	}
	if _, err := s.service.RedeemCoupon(ctx, caller.ID, redeemParam{Coupon: in.Coupon, Store: in.Store}); err != nil {
		return nil, done(err)
	}

	if _, err := s.audit.UpsertRedeemer(context.WithoutCancel(ctx), in.Store, caller.ID); err != nil {
		s.auditGap(op, err, slog.String("store", in.Store), slog.String("user", caller.ID))
	}
	s.recordHistory(ctx, op, model.HistoryRedeem, in.Coupon, in.Store, caller.ID, caller.Peer)
	s.publish(model.EventRedeem, in.Store, in.Coupon)
	return in.Coupon, done(nil)
}

// SettleCoupon は店舗が受け取ったクーポンを精算する。
func (s *Service) SettleCoupon(ctx context.Context, caller *model.Caller, in BatchInput) ([]string, error) {
	const op = "settleCoupon"
	ctx, done := s.begin(ctx, op, caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	if err := validateCoupons(in.Coupon); err != nil {
		return nil, done(err)
	}

	if _, err := s.service.SettleCoupon(ctx, caller.ID, batchParam{Coupon: in.Coupon}); err != nil {
		return nil, done(err)
	}

	s.recordHistory(ctx, op, model.HistorySettle, in.Coupon, caller.Peer, caller.ID, caller.Peer)
	return in.Coupon, done(nil)
}

// ActivateCoupon は無効化されたクーポンを再び有効にする。
func (s *Service) ActivateCoupon(ctx context.Context, caller *model.Caller, in BatchInput) ([]string, error) {
	ctx, done := s.begin(ctx, "activateCoupon", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	if err := validateCoupons(in.Coupon); err != nil {
		return nil, done(err)
	}

	if _, err := s.service.ActivateCoupon(ctx, caller.ID, batchParam{Coupon: in.Coupon}); err != nil {
		return nil, done(err)
	}

	s.publish(model.EventActivate, model.BroadcastIdentity, in.Coupon)
	return in.Coupon, done(nil)
}

// DeactivateCoupon はクーポンを理由付きで無効化する。
func (s *Service) DeactivateCoupon(ctx context.Context, caller *model.Caller, in DeactivateInput) ([]string, error) {
	ctx, done := s.begin(ctx, "deactivateCoupon", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	if err := validateCoupons(in.Coupon); err != nil {
		return nil, done(err)
	}
	reason := s.clean(in.Reason)
	if reason == "" {
		return nil, done(missing("reason"))
	}

	if _, err := s.service.DeactivateCoupon(ctx, caller.ID, deactivateParam{Coupon: in.Coupon, Reason: reason}); err != nil {
		return nil, done(err)
	}

	s.publish(model.EventDeactivate, model.BroadcastIdentity, in.Coupon)
	return in.Coupon, done(nil)
}

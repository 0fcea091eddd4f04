package coupon

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hitoshi/couponledger/internal/model"
)

type infoParam struct {
	Type   string `json:"type"`
	Coupon string `json:"coupon"`
}

// InfoCoupon はクーポン1枚の詳細を返す。台帳が何も返さない場合は nil。
func (s *Service) InfoCoupon(ctx context.Context, caller *model.Caller, class model.ParticipantClass, couponID string) (*model.Coupon, error) {
	ctx, done := s.begin(ctx, "infoCoupon", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	if couponID == "" {
		return nil, done(missing("coupon"))
	}

	raw, err := s.service.InfoCoupon(ctx, caller.ID, infoParam{Type: class.String(), Coupon: couponID})
	if err != nil {
		return nil, done(err)
	}
	if isEmpty(raw) {
		return nil, done(nil)
	}

	var c model.Coupon
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, done(wrapDecode("coupon", err))
	}
	return &c, done(nil)
}

// BalanceCoupon は期限切れ判定を反映させた上で呼び出し元の残高を返す。
func (s *Service) BalanceCoupon(ctx context.Context, caller *model.Caller) (*Balance, error) {
	ctx, done := s.begin(ctx, "balanceCoupon", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}

	if _, err := s.service.CheckExpiration(ctx, caller.ID); err != nil {
		return nil, done(err)
	}
	raw, err := s.service.QueryServiceUser(ctx, caller.ID)
	if err != nil {
		return nil, done(err)
	}

	balance := &Balance{}
	if isEmpty(raw) {
		return balance, done(nil)
	}
	var user model.Participant
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, done(wrapDecode("service user", err))
	}
	if user.Wallet != nil {
		*balance = user.Wallet.Coupon
	}
	return balance, done(nil)
}

// AssetList は呼び出し元のピアが所有するクーポン種類の一覧を返す。
func (s *Service) AssetList(ctx context.Context, caller *model.Caller) ([]model.CouponAsset, error) {
	ctx, done := s.begin(ctx, "assetList", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}

	raw, err := s.platform.QueryAssetsByValues(ctx, caller.ID, "DigitalAsset", "owner", []string{caller.Peer})
	if err != nil {
		return nil, done(err)
	}

	assets := []model.CouponAsset{}
	if !isEmpty(raw) {
		if err := json.Unmarshal(raw, &assets); err != nil {
			return nil, done(wrapDecode("asset list", err))
		}
	}
	return assets, done(nil)
}

// ListCoupon は scope の視点でクーポンの一覧を返す。
// 発行元は自ピアが発行したもの、利用者は保有するもの、店舗は利用されたものを見る。
func (s *Service) ListCoupon(ctx context.Context, caller *model.Caller, scope model.CouponScope, filter string) ([]model.Coupon, error) {
	ctx, done := s.begin(ctx, "listCoupon", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}
	if filter == "" {
		return nil, done(missing("filter"))
	}
	f, err := model.ParseCouponFilter(strings.ToUpper(filter))
	if err != nil {
		return nil, done(model.NewValidationError("Allowed values for filter ['ALL', 'ACTIVE', 'DEACTIVATED', 'REDEEMED', 'SETTLED']."))
	}

	value := caller.ID
	if scope == model.ScopeProvider {
		value = caller.Peer
	}

	raw, err := s.service.QueryCoupons(ctx, caller.ID, scope.LedgerKey(), value, string(f))
	if err != nil {
		return nil, done(err)
	}

	coupons := []model.Coupon{}
	if !isEmpty(raw) {
		if err := json.Unmarshal(raw, &coupons); err != nil {
			return nil, done(wrapDecode("coupon list", err))
		}
	}
	return coupons, done(nil)
}

// ListHistory は期間内の取引履歴を日時昇順で返す。
func (s *Service) ListHistory(ctx context.Context, caller *model.Caller, scope HistoryScope, in HistoryInput) ([]model.HistoryRecord, error) {
	ctx, done := s.begin(ctx, "listHistory", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}

	from, err := parseDate("dateFrom", in.DateFrom, false)
	if err != nil {
		return nil, done(err)
	}
	to, err := parseDate("dateTo", in.DateTo, true)
	if err != nil {
		return nil, done(err)
	}
	if to.Before(from) {
		return nil, done(model.NewValidationError("Field [dateTo] must not be earlier than [dateFrom]."))
	}

	subject := caller.ID
	if scope == HistoryByPeer {
		subject = caller.Peer
	}

	records, err := s.audit.QueryHistory(ctx, subject, from, to)
	if err != nil {
		return nil, done(err)
	}
	if records == nil {
		records = []model.HistoryRecord{}
	}
	return records, done(nil)
}

// ListRedeemer は呼び出し元の店舗を利用した利用者の一覧を返す。
func (s *Service) ListRedeemer(ctx context.Context, caller *model.Caller) ([]model.Redeemer, error) {
	ctx, done := s.begin(ctx, "listRedeemer", caller)
	if err := requireCaller(caller); err != nil {
		return nil, done(err)
	}

	redeemers, err := s.audit.QueryRedeemer(ctx, caller.ID)
	if err != nil {
		return nil, done(err)
	}
	if redeemers == nil {
		redeemers = []model.Redeemer{}
	}
	return redeemers, done(nil)
}

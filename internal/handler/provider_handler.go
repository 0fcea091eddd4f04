package handler

import (
	"net/http"

	"github.com/hitoshi/couponledger/internal/coupon"
	"github.com/hitoshi/couponledger/internal/middleware"
	"github.com/hitoshi/couponledger/internal/model"
)

// IdempotencyKeyHeader はクーポン発行の再送を識別するヘッダー名。
const IdempotencyKeyHeader = "Idempotency-Key"

// ProviderHandler は発行元向けのHTTPハンドラー。
type ProviderHandler struct {
	service CouponService
}

// NewProviderHandler はProviderHandlerを生成する。
func NewProviderHandler(service CouponService) *ProviderHandler {
	return &ProviderHandler{service: service}
}

// RegisterCoupon はクーポンの種類を登録する。
// POST /provider/coupon/register
func (h *ProviderHandler) RegisterCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.RegisterCouponInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	id, err := h.service.RegisterCoupon(r.Context(), caller, in)
	respond(w, id, err)
}

// Update は発行元自身の情報を更新する。
// POST /provider/update
func (h *ProviderHandler) Update(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	param := map[string]any{}
	if err := decodeJSON(w, r, &param); err != nil {
		middleware.WriteError(w, err)
		return
	}
	id, err := h.service.UpdateServiceProviderInfo(r.Context(), caller, param)
	respond(w, id, err)
}

// RegisterStore は発行元に属する店舗を登録する。
// POST /provider/store/register
func (h *ProviderHandler) RegisterStore(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.RegisterParticipantInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	reg, err := h.service.RegisterStore(r.Context(), caller, in)
	respond(w, reg, err)
}

// ListUser は利用者の一覧を返す。
// POST /provider/user/list
func (h *ProviderHandler) ListUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in filterRequest
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	users, err := h.service.ListUser(r.Context(), caller, in.Filter)
	respond(w, users, err)
}

// History は発行元ピアの取引履歴を返す。
// POST /provider/transaction/history
func (h *ProviderHandler) History(w http.ResponseWriter, r *http.Request) {
	historyHandler(h.service, coupon.HistoryByPeer)(w, r)
}

// AssetList は発行元ピアが所有するクーポン種類の一覧を返す。
// GET /provider/asset/list
func (h *ProviderHandler) AssetList(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	assets, err := h.service.AssetList(r.Context(), caller)
	respond(w, assets, err)
}

// IssueCoupon はクーポンを発行する。Idempotency-Key ヘッダーで再送を識別する。
// POST /provider/coupon/issue
func (h *ProviderHandler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.IssueInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	in.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)
	ids, err := h.service.IssueCoupon(r.Context(), caller, in)
	respond(w, ids, err)
}

// InfoCoupon は発行元の視点でクーポン1枚の詳細を返す。
// POST /provider/coupon/info
func (h *ProviderHandler) InfoCoupon(w http.ResponseWriter, r *http.Request) {
	infoHandler(h.service, model.ClassServiceProvider)(w, r)
}

// DeactivateCoupon はクーポンを無効化する。
// POST /provider/coupon/deactivate
func (h *ProviderHandler) DeactivateCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.DeactivateInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	ids, err := h.service.DeactivateCoupon(r.Context(), caller, in)
	respond(w, ids, err)
}

// ActivateCoupon は無効化したクーポンを有効に戻す。
// POST /provider/coupon/activate
func (h *ProviderHandler) ActivateCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.BatchInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	ids, err := h.service.ActivateCoupon(r.Context(), caller, in)
	respond(w, ids, err)
}

// ListCoupon は発行元ピアが発行したクーポンの一覧を返す。
// POST /provider/coupon/list
func (h *ProviderHandler) ListCoupon(w http.ResponseWriter, r *http.Request) {
	listCouponHandler(h.service, model.ScopeProvider)(w, r)
}

func infoHandler(service CouponService, class model.ParticipantClass) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		var in couponRequest
		if err := decodeJSON(w, r, &in); err != nil {
			middleware.WriteError(w, err)
			return
		}
		c, err := service.InfoCoupon(r.Context(), caller, class, in.Coupon)
		respond(w, c, err)
	}
}

func listCouponHandler(service CouponService, scope model.CouponScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		var in filterRequest
		if err := decodeJSON(w, r, &in); err != nil {
			middleware.WriteError(w, err)
			return
		}
		coupons, err := service.ListCoupon(r.Context(), caller, scope, in.Filter)
		respond(w, coupons, err)
	}
}

func historyHandler(service CouponService, scope coupon.HistoryScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		var in coupon.HistoryInput
		if err := decodeJSON(w, r, &in); err != nil {
			middleware.WriteError(w, err)
			return
		}
		records, err := service.ListHistory(r.Context(), caller, scope, in)
		respond(w, records, err)
	}
}

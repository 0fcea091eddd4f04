package handler

import (
	"net/http"

	"github.com/hitoshi/couponledger/internal/coupon"
	"github.com/hitoshi/couponledger/internal/middleware"
	"github.com/hitoshi/couponledger/internal/model"
)

// UserHandler は利用者（消費者・店舗）向けのHTTPハンドラー。
type UserHandler struct {
	service CouponService
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service CouponService) *UserHandler {
	return &UserHandler{service: service}
}

// InfoCoupon は利用者の視点でクーポン1枚の詳細を返す。
// POST /user/coupon/info
func (h *UserHandler) InfoCoupon(w http.ResponseWriter, r *http.Request) {
	infoHandler(h.service, model.ClassServiceUser)(w, r)
}

// TransferCoupon はクーポンを譲渡する。
// POST /user/coupon/transfer
func (h *UserHandler) TransferCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.TransferInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	ids, err := h.service.TransferCoupon(r.Context(), caller, in)
	respond(w, ids, err)
}

// RedeemCoupon はクーポンを店舗で利用する。
// POST /user/coupon/redeem
func (h *UserHandler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.RedeemInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	ids, err := h.service.RedeemCoupon(r.Context(), caller, in)
	respond(w, ids, err)
}

// SettleCoupon は店舗が受け取ったクーポンを精算する。
// POST /user/coupon/settle
func (h *UserHandler) SettleCoupon(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var in coupon.BatchInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	ids, err := h.service.SettleCoupon(r.Context(), caller, in)
	respond(w, ids, err)
}

// Balance はクーポン残高を返す。
// GET /user/coupon/balance
func (h *UserHandler) Balance(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	balance, err := h.service.BalanceCoupon(r.Context(), caller)
	respond(w, balance, err)
}

// ListCoupon は利用者が保有するクーポンの一覧を返す。
// POST /user/coupon/list
func (h *UserHandler) ListCoupon(w http.ResponseWriter, r *http.Request) {
	listCouponHandler(h.service, model.ScopeUser)(w, r)
}

// ListStoreCoupon は店舗で利用されたクーポンの一覧を返す。
// POST /store/coupon/list
func (h *UserHandler) ListStoreCoupon(w http.ResponseWriter, r *http.Request) {
	listCouponHandler(h.service, model.ScopeStore)(w, r)
}

// Update は利用者自身の情報を更新する。
// POST /user/update
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	param := map[string]any{}
	if err := decodeJSON(w, r, &param); err != nil {
		middleware.WriteError(w, err)
		return
	}
	id, err := h.service.UpdateServiceUserInfo(r.Context(), caller, param)
	respond(w, id, err)
}

// ListUser は利用者の一覧を返す。
// POST /user/list
func (h *UserHandler) ListUser(w http.ResponseWriter, r *http.Request) {
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

// ListRedeemer は店舗を利用した利用者の一覧を返す。
// GET /user/redeemer/list
func (h *UserHandler) ListRedeemer(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	redeemers, err := h.service.ListRedeemer(r.Context(), caller)
	respond(w, redeemers, err)
}

// History は呼び出し元の取引履歴を返す。
// POST /user/transaction/history
func (h *UserHandler) History(w http.ResponseWriter, r *http.Request) {
	historyHandler(h.service, coupon.HistoryByCaller)(w, r)
}

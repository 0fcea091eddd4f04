// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/couponledger/internal/coupon"
	"github.com/hitoshi/couponledger/internal/middleware"
	"github.com/hitoshi/couponledger/internal/model"
)

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 1 << 20

// CouponService はハンドラーが必要とするオーケストレータのインターフェース。
type CouponService interface {
	Authenticate(ctx context.Context, class model.ParticipantClass, in coupon.Credentials) (*model.Participant, error)
	RegisterUser(ctx context.Context, in coupon.RegisterParticipantInput) (*coupon.Registration, error)
	RegisterStore(ctx context.Context, caller *model.Caller, in coupon.RegisterParticipantInput) (*coupon.Registration, error)
	RegisterProvider(ctx context.Context, in coupon.RegisterParticipantInput) (*coupon.Registration, error)
	UpdateServiceUserInfo(ctx context.Context, caller *model.Caller, param map[string]any) (string, error)
	UpdateServiceProviderInfo(ctx context.Context, caller *model.Caller, param map[string]any) (string, error)
	ListUser(ctx context.Context, caller *model.Caller, filter string) ([]model.Participant, error)

	RegisterCoupon(ctx context.Context, caller *model.Caller, in coupon.RegisterCouponInput) (string, error)
	IssueCoupon(ctx context.Context, caller *model.Caller, in coupon.IssueInput) ([]string, error)
	TransferCoupon(ctx context.Context, caller *model.Caller, in coupon.TransferInput) ([]string, error)
	RedeemCoupon(ctx context.Context, caller *model.Caller, in coupon.RedeemInput) ([]string, error)
	SettleCoupon(ctx context.Context, caller *model.Caller, in coupon.BatchInput) ([]string, error)
	ActivateCoupon(ctx context.Context, caller *model.Caller, in coupon.BatchInput) ([]string, error)
	DeactivateCoupon(ctx context.Context, caller *model.Caller, in coupon.DeactivateInput) ([]string, error)

	InfoCoupon(ctx context.Context, caller *model.Caller, class model.ParticipantClass, couponID string) (*model.Coupon, error)
	BalanceCoupon(ctx context.Context, caller *model.Caller) (*coupon.Balance, error)
	AssetList(ctx context.Context, caller *model.Caller) ([]model.CouponAsset, error)
	ListCoupon(ctx context.Context, caller *model.Caller, scope model.CouponScope, filter string) ([]model.Coupon, error)
	ListHistory(ctx context.Context, caller *model.Caller, scope coupon.HistoryScope, in coupon.HistoryInput) ([]model.HistoryRecord, error)
	ListRedeemer(ctx context.Context, caller *model.Caller) ([]model.Redeemer, error)
}

var _ CouponService = (*coupon.Service)(nil)

// filterRequest は一覧系エンドポイントのリクエスト。
type filterRequest struct {
	Filter string `json:"filter"`
}

// couponRequest はクーポン1枚を指定するリクエスト。
type couponRequest struct {
	Coupon string `json:"coupon"`
}

// decodeJSON はリクエストボディを v に読み込む。空のボディはゼロ値として扱う。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewValidationError("Request body is too large.")
		}
		return model.NewValidationError("Request body is not valid JSON.")
	}
	return nil
}

// callerOf は認証ミドルウェアが注入した呼び出し元を返す。
func callerOf(w http.ResponseWriter, r *http.Request) (*model.Caller, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.NewAuthenticationError("Authentication Error", nil))
	}
	return caller, ok
}

// respond は結果をエンベロープで書き込む。
func respond(w http.ResponseWriter, data any, err error) {
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteSuccess(w, data)
}

package ledger

import (
	"context"
	"encoding/json"
)

// チェーンコード上のコントローラ名。
const (
	ControllerPlatform = "platform"
	ControllerService  = "service"
)

// PlatformContract は参加者・資産の横断的な照会と管理を行うコントローラ。
type PlatformContract struct {
	inv Invoker
}

// NewPlatformContract は PlatformContract を生成する。
func NewPlatformContract(inv Invoker) *PlatformContract {
	return &PlatformContract{inv: inv}
}

func (p *PlatformContract) QueryParticipant(ctx context.Context, identity, class, field, value string) (json.RawMessage, error) {
	return p.inv.Query(ctx, identity, ControllerPlatform, "queryParticipant", class, field, value)
}

func (p *PlatformContract) QueryParticipants(ctx context.Context, identity, class, filter string) (json.RawMessage, error) {
	return p.inv.Query(ctx, identity, ControllerPlatform, "queryParticipants", class, filter)
}

func (p *PlatformContract) QueryAssetsByValues(ctx context.Context, identity, class, field string, values []string) (json.RawMessage, error) {
	return p.inv.Query(ctx, identity, ControllerPlatform, "queryAssetsByValues", class, field, values)
}

func (p *PlatformContract) StampFingerprint(ctx context.Context, identity, class, id, fingerprint string) (json.RawMessage, error) {
	return p.inv.Submit(ctx, identity, ControllerPlatform, "stampFingerprint", class, id, fingerprint)
}

func (p *PlatformContract) RegisterProvider(ctx context.Context, identity string, provider any) (json.RawMessage, error) {
	return p.inv.Submit(ctx, identity, ControllerPlatform, "registerProvider", provider)
}

func (p *PlatformContract) UpdateServiceProviderInfo(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return p.inv.Submit(ctx, identity, ControllerPlatform, "updateServiceProviderInfo", param)
}

// ServiceContract はクーポンのライフサイクルを扱うコントローラ。
type ServiceContract struct {
	inv Invoker
}

// NewServiceContract は ServiceContract を生成する。
func NewServiceContract(inv Invoker) *ServiceContract {
	return &ServiceContract{inv: inv}
}

func (s *ServiceContract) RegisterUser(ctx context.Context, identity string, user any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "registerUser", user)
}

func (s *ServiceContract) RegisterStore(ctx context.Context, identity string, store any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "registerStore", store)
}

func (s *ServiceContract) RegisterCoupon(ctx context.Context, identity string, asset any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "registerCoupon", asset)
}

func (s *ServiceContract) IssueCoupon(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "issueCoupon", param)
}

func (s *ServiceContract) TransferCoupon(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "transferCoupon", param)
}

func (s *ServiceContract) RedeemCoupon(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "redeemCoupon", param)
}

func (s *ServiceContract) SettleCoupon(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "settleCoupon", param)
}

func (s *ServiceContract) ActivateCoupon(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "activateCoupon", param)
}

func (s *ServiceContract) DeactivateCoupon(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "deactivateCoupon", param)
}

// CheckExpiration は呼び出し元が保有するクーポンの期限切れ判定を台帳に反映させる。
func (s *ServiceContract) CheckExpiration(ctx context.Context, identity string) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "checkExpiration")
}

func (s *ServiceContract) UpdateServiceUserInfo(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Submit(ctx, identity, ControllerService, "updateServiceUserInfo", param)
}

func (s *ServiceContract) InfoCoupon(ctx context.Context, identity string, param any) (json.RawMessage, error) {
	return s.inv.Query(ctx, identity, ControllerService, "infoCoupon", param)
}

func (s *ServiceContract) QueryServiceUser(ctx context.Context, identity string) (json.RawMessage, error) {
	return s.inv.Query(ctx, identity, ControllerService, "queryServiceUser")
}

func (s *ServiceContract) QueryCoupons(ctx context.Context, identity, key, value, filter string) (json.RawMessage, error) {
	return s.inv.Query(ctx, identity, ControllerService, "queryCoupons", key, value, filter)
}

package model

import (
	"encoding/json"
	"fmt"
)

// CouponAsset は発行元が登録するクーポンの種類（テンプレート）を表す。
type CouponAsset struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Denomination []int  `json:"denomination"`
	Owner        string `json:"owner,omitempty"`
}

// Coupon は台帳上のクーポン1枚を表す。
// 既知のフィールド以外は Raw に保持して中継する。
type Coupon struct {
	ID            string `json:"id"`
	AssetID       string `json:"assetId,omitempty"`
	Value         int    `json:"value,omitempty"`
	Expiry        int64  `json:"expiry,omitempty"`
	Owner         string `json:"owner,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	State         string `json:"state,omitempty"`
	RedeemedStore string `json:"redeemedStore,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MarshalJSON は台帳から受け取った元のJSONを優先して返す。
func (c Coupon) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	type plain Coupon
	return json.Marshal(plain(c))
}

// UnmarshalJSON は既知フィールドを読み取りつつ元のJSONを保持する。
func (c *Coupon) UnmarshalJSON(data []byte) error {
	type plain Coupon
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Coupon(p)
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// CouponFilter はクーポン一覧の絞り込み条件。
type CouponFilter string

const (
	FilterAll         CouponFilter = "ALL"
	FilterActive      CouponFilter = "ACTIVE"
	FilterDeactivated CouponFilter = "DEACTIVATED"
	FilterRedeemed    CouponFilter = "REDEEMED"
	FilterSettled     CouponFilter = "SETTLED"
)

// ParseCouponFilter は絞り込み条件を検証する。
func ParseCouponFilter(s string) (CouponFilter, error) {
	switch f := CouponFilter(s); f {
	case FilterAll, FilterActive, FilterDeactivated, FilterRedeemed, FilterSettled:
		return f, nil
	default:
		return "", fmt.Errorf("invalid coupon filter: %q", s)
	}
}

// CouponScope はクーポン一覧を誰の視点で取得するかを表す。
type CouponScope int

const (
	ScopeProvider CouponScope = iota + 1
	ScopeUser
	ScopeStore
)

// LedgerKey は台帳の queryCoupons に渡す検索キーを返す。
func (s CouponScope) LedgerKey() string {
	switch s {
	case ScopeProvider:
		return "issuer"
	case ScopeStore:
		return "redeemedStore"
	default:
		return "owner"
	}
}

// UserFilter は利用者一覧の絞り込み条件。
type UserFilter string

const (
	UserFilterAll      UserFilter = "ALL"
	UserFilterConsumer UserFilter = "CONSUMER"
	UserFilterStore    UserFilter = "STORE"
)

// ParseUserFilter は利用者一覧の絞り込み条件を検証する。
func ParseUserFilter(s string) (UserFilter, error) {
	switch f := UserFilter(s); f {
	case UserFilterAll, UserFilterConsumer, UserFilterStore:
		return f, nil
	default:
		return "", fmt.Errorf("invalid user filter: %q", s)
	}
}

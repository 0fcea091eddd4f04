package coupon

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hitoshi/couponledger/internal/model"
)

// maxIssueQuantity は1回の発行で作れるクーポン枚数の上限。
const maxIssueQuantity = 1000

// Credentials は認証リクエスト。Peer は利用者の認証でのみ必須。
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Peer     string `json:"peer"`
}

// RegisterParticipantInput は参加者登録リクエスト。
type RegisterParticipantInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Peer     string `json:"peer"`
}

// Registration は参加者登録の結果。Secret は認証局の登録シークレット。
type Registration struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// RegisterCouponInput はクーポン種類の登録リクエスト。
type RegisterCouponInput struct {
	Name         string        `json:"name"`
	Denomination []json.Number `json:"denomination"`
}

// IssueInput はクーポン発行リクエスト。数値項目は欠落を判別するためポインタで受ける。
type IssueInput struct {
	Recipient string `json:"recipient"`
	Coupon    string `json:"coupon"`
	Quantity  *int   `json:"quantity"`
	Expiry    *int64 `json:"expiry"`
	Value     *int   `json:"value"`

	// IdempotencyKey は再送時に同じ結果を返すためのキー。
	IdempotencyKey string `json:"-"`
}

// TransferInput はクーポン譲渡リクエスト。
type TransferInput struct {
	Coupon    []string `json:"coupon"`
	Recipient string   `json:"recipient"`
}

// RedeemInput はクーポン利用リクエスト。
type RedeemInput struct {
	Coupon []string `json:"coupon"`
	Store  string   `json:"store"`
}

// BatchInput はクーポンIDの一覧だけを受け取るリクエスト。
type BatchInput struct {
	Coupon []string `json:"coupon"`
}

// DeactivateInput はクーポン無効化リクエスト。
type DeactivateInput struct {
	Coupon []string `json:"coupon"`
	Reason string   `json:"reason"`
}

// HistoryInput は履歴照会リクエスト。
type HistoryInput struct {
	DateFrom string `json:"dateFrom"`
	DateTo   string `json:"dateTo"`
}

// Balance は利用者のクーポン残高。
type Balance = model.CouponBalance

// HistoryScope は履歴を誰の視点で取得するかを表す。
type HistoryScope int

const (
	// HistoryByPeer は呼び出し元のピア（発行元）で絞り込む。
	HistoryByPeer HistoryScope = iota + 1
	// HistoryByCaller は呼び出し元IDで絞り込む。
	HistoryByCaller
)

func validateCoupons(coupons []string) error {
	if coupons == nil {
		return missing("coupon")
	}
	if len(coupons) == 0 {
		return model.NewValidationError("Required field [coupon] must be an Array of Coupon.")
	}
	for _, c := range coupons {
		if strings.TrimSpace(c) == "" {
			return model.NewValidationError("Field [coupon] must not contain empty coupon ids.")
		}
	}
	return nil
}

func (in IssueInput) validate() error {
	switch {
	case in.Recipient == "":
		return missing("recipient")
	case in.Coupon == "":
		return missing("coupon")
	case in.Quantity == nil:
		return missing("quantity")
	case in.Expiry == nil:
		return missing("expiry")
	case in.Value == nil:
		return missing("value")
	case *in.Quantity <= 0:
		return model.NewValidationError("Field [quantity] must be greater than zero.")
	case *in.Quantity > maxIssueQuantity:
		return model.NewValidationError("Field [quantity] must not exceed %d.", maxIssueQuantity)
	}
	return nil
}

func (in RegisterCouponInput) denominations() ([]int, error) {
	if in.Denomination == nil {
		return nil, missing("denomination")
	}
	if len(in.Denomination) == 0 {
		return nil, model.NewValidationError("Required field [denomination] must be an Array of Integer.")
	}
	out := make([]int, len(in.Denomination))
	for i, n := range in.Denomination {
		v, err := n.Int64()
		if err != nil {
			return nil, model.NewValidationError("Required field [denomination] must be an Array of Integer.")
		}
		out[i] = int(v)
	}
	return out, nil
}

// dateLayouts は履歴照会で受け付ける日時形式。
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseDate は日時を解釈する。日付のみの指定で endOfDay が真の場合はその日の終わりを返す。
func parseDate(field, value string, endOfDay bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, missing(field)
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t.UTC(), nil
	}
	return time.Time{}, model.NewValidationError("Field [%s] is not in date format.", field)
}

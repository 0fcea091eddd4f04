package model

import "time"

// 監査ストアの各行に付与する判別子。
const (
	ClassificationHistory  = "coupon.audit.History"
	ClassificationRedeemer = "coupon.audit.Redeemer"
)

// HistoryType は履歴の取引種別。
type HistoryType string

const (
	HistoryIssue    HistoryType = "ISSUE"
	HistoryTransfer HistoryType = "TRANSFER"
	HistoryRedeem   HistoryType = "REDEEM"
	HistorySettle   HistoryType = "SETTLE"
)

// HistoryRecord はクーポン1枚・当事者1人分の取引履歴。
// ID と Date はストアが書き込み時に採番する。
type HistoryRecord struct {
	ID             string      `json:"_id"`
	Classification string      `json:"classification"`
	Subject        string      `json:"id"`
	Coupon         string      `json:"coupon"`
	Type           HistoryType `json:"type"`
	Date           time.Time   `json:"date"`
	Peer           string      `json:"peer"`
}

// Redeemer は店舗と利用者の利用関係を表す。
type Redeemer struct {
	ID               string    `json:"_id"`
	Classification   string    `json:"classification"`
	Store            string    `json:"store"`
	User             string    `json:"user"`
	FirstTransaction time.Time `json:"firstTransaction"`
	LastTransaction  time.Time `json:"lastTransaction"`
}

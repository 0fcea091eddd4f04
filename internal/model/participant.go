package model

import (
	"encoding/json"
	"fmt"
)

// ParticipantType は参加者の種別を表す。
type ParticipantType string

const (
	ParticipantProvider ParticipantType = "PROVIDER"
	ParticipantConsumer ParticipantType = "CONSUMER"
	ParticipantStore    ParticipantType = "STORE"
	ParticipantAdmin    ParticipantType = "ADMIN"
)

// ParseParticipantType は文字列を ParticipantType に変換する。
func ParseParticipantType(s string) (ParticipantType, error) {
	switch t := ParticipantType(s); t {
	case ParticipantProvider, ParticipantConsumer, ParticipantStore, ParticipantAdmin:
		return t, nil
	default:
		return "", fmt.Errorf("unknown participant type: %q", s)
	}
}

// IsUser はサービス利用者（消費者または店舗）かどうかを返す。
func (t ParticipantType) IsUser() bool {
	return t == ParticipantConsumer || t == ParticipantStore
}

// ParticipantClass は台帳上の参加者クラスを表す閉じた列挙型。
type ParticipantClass int

const (
	ClassServiceProvider ParticipantClass = iota + 1
	ClassServiceUser
)

// String は台帳で使われるクラス名を返す。
func (c ParticipantClass) String() string {
	switch c {
	case ClassServiceProvider:
		return "ServiceProvider"
	case ClassServiceUser:
		return "ServiceUser"
	default:
		return fmt.Sprintf("ParticipantClass(%d)", int(c))
	}
}

// ClassOf は参加者種別に対応する台帳クラスを返す。
func ClassOf(t ParticipantType) (ParticipantClass, error) {
	switch t {
	case ParticipantProvider:
		return ClassServiceProvider, nil
	case ParticipantConsumer, ParticipantStore:
		return ClassServiceUser, nil
	default:
		return 0, fmt.Errorf("participant type %q has no ledger class", t)
	}
}

// Participant は台帳上の参加者を表す。
// Password はbcryptハッシュであり、クライアントへ返してはならない。
type Participant struct {
	ID          string             `json:"id"`
	Username    string             `json:"username"`
	Password    string             `json:"password,omitempty"`
	Name        string             `json:"name"`
	Type        string             `json:"type,omitempty"`
	UserType    ParticipantType    `json:"userType,omitempty"`
	Peer        string             `json:"peer,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Wallet      *ParticipantWallet `json:"wallet,omitempty"`
}

// Public はパスワードハッシュを除いたコピーを返す。
func (p Participant) Public() Participant {
	p.Password = ""
	return p
}

// ParticipantWallet は台帳が保持する参加者の残高情報。
type ParticipantWallet struct {
	Coupon CouponBalance `json:"coupon"`
}

// CouponBalance はクーポン残高のバケット。
// 中身は台帳が所有するため解釈せずに中継する。
type CouponBalance struct {
	Active   json.RawMessage `json:"active,omitempty"`
	Inactive json.RawMessage `json:"inactive,omitempty"`
	Expired  json.RawMessage `json:"expired,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
}

// Caller は認証済みリクエストの呼び出し元を表す。
type Caller struct {
	ID   string          `json:"id"`
	Type ParticipantType `json:"type"`
	Name string          `json:"name"`
	Peer string          `json:"peer"`
}

package model

import "time"

// EventType はライブ購読者へ配信するイベント種別。
type EventType string

const (
	EventIssue      EventType = "ISSUE"
	EventTransfer   EventType = "TRANSFER"
	EventRedeem     EventType = "REDEEM"
	EventActivate   EventType = "ACTIVATE"
	EventDeactivate EventType = "DEACTIVATE"
)

// BroadcastIdentity は全購読者宛てを示す宛先。
const BroadcastIdentity = "ALL"

// DomainEvent はイベントハブで配信される通知。
type DomainEvent struct {
	EventID  string         `json:"eventId"`
	Date     time.Time      `json:"date"`
	Type     EventType      `json:"type"`
	Identity string         `json:"identity"`
	Data     map[string]any `json:"data"`
}

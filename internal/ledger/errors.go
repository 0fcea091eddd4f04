package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hyperledger/fabric-sdk-go/pkg/common/errors/status"
)

// ErrUnknownIdentity は呼び出し元の識別子がウォレットに存在しないことを示す。
var ErrUnknownIdentity = errors.New("user identity does not exist")

// FailureKind は台帳呼び出し失敗の分類。
type FailureKind int

const (
	// TransactionError はその他の失敗。
	TransactionError FailureKind = iota
	// EndorsementFailure はチェーンコードが業務ルールにより拒否したことを示す。
	EndorsementFailure
	// ResponseError は通信レベルの失敗を示す。
	ResponseError
)

func (k FailureKind) String() string {
	switch k {
	case EndorsementFailure:
		return "EndorsementFailure"
	case ResponseError:
		return "ResponseError"
	default:
		return "TransactionError"
	}
}

// Error は台帳呼び出しの失敗を表す。
type Error struct {
	Kind     FailureKind
	Function string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Function, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// endorsementPayload はエンドースメント応答に埋め込まれたJSONを取り出す。
var endorsementPayload = regexp.MustCompile(`(?s)(\{.*\})`)

// endorsementMessage はチェーンコードの拒否メッセージを人が読める形に取り出す。
func endorsementMessage(raw string) string {
	if m := endorsementPayload.FindStringSubmatch(raw); m != nil {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(m[1]), &body); err == nil && body.Message != "" {
			return body.Message
		}
	}
	if i := strings.LastIndex(raw, "failure: "); i >= 0 {
		return strings.TrimSpace(raw[i+len("failure: "):])
	}
	return raw
}

// classify は台帳SDKのエラーを Error に変換する。
func classify(function string, err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: ResponseError, Function: function, Message: err.Error(), Err: err}
	}

	if s, ok := findStatus(err); ok {
		switch kind := kindOfStatus(s); kind {
		case EndorsementFailure:
			return &Error{Kind: kind, Function: function, Message: endorsementMessage(s.Message), Err: err}
		case ResponseError:
			return &Error{Kind: kind, Function: function, Message: s.Message, Err: err}
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "failure: ") || strings.Contains(msg, "endorsement failure") {
		return &Error{Kind: EndorsementFailure, Function: function, Message: endorsementMessage(msg), Err: err}
	}
	return &Error{Kind: TransactionError, Function: function, Message: msg, Err: err}
}

func findStatus(err error) (*status.Status, bool) {
	var s *status.Status
	if errors.As(err, &s) {
		return s, true
	}
	return status.FromError(err)
}

func kindOfStatus(s *status.Status) FailureKind {
	switch s.Group {
	case status.EndorserServerStatus, status.EndorserClientStatus, status.ChaincodeStatus:
		return EndorsementFailure
	case status.GRPCTransportStatus, status.OrdererClientStatus, status.OrdererServerStatus, status.EventServerStatus:
		return ResponseError
	}
	// 複数エラーは詳細のうち最も具体的な分類を採用する
	kind := TransactionError
	for _, d := range s.Details {
		inner, ok := d.(*status.Status)
		if !ok {
			continue
		}
		switch k := kindOfStatus(inner); k {
		case EndorsementFailure:
			return k
		case ResponseError:
			kind = k
		}
	}
	return kind
}

// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はクライアントが機械的に判別できるエラー種別を表す。
type ErrorKind string

const (
	// KindValidation は入力値の検証エラーを示す。
	KindValidation ErrorKind = "VALIDATION"
	// KindAuthentication は認証・識別情報に関するエラーを示す。
	KindAuthentication ErrorKind = "AUTHENTICATION"
	// KindLedgerRejection は台帳（チェーンコード）が業務ルールにより拒否したことを示す。
	KindLedgerRejection ErrorKind = "LEDGER_REJECTION"
	// KindTransport は台帳やCAとの通信自体が失敗したことを示す。
	KindTransport ErrorKind = "TRANSPORT"
	// KindPartialWrite は台帳コミット後の監査書き込みが失敗したことを示す。
	KindPartialWrite ErrorKind = "PARTIAL_WRITE"
	// KindInternal はその他の内部エラーを示す。
	KindInternal ErrorKind = "INTERNAL"
)

// Error は種別付きのドメインエラーを表す。
// Message はそのままレスポンスエンベロープの data に載る。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewAuthenticationError は認証エラーを生成する。
func NewAuthenticationError(message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Err: err}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf はエラーチェーンから種別を取り出す。
// *Error を含まない場合は KindInternal を返す。
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf はクライアントへ返すメッセージを取り出す。
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

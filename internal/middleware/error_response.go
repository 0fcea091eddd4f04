package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/couponledger/internal/model"
)

// エンベロープの結果コード。
const (
	CodeSuccess = 100
	CodeFailed  = -100
)

// Envelope は全APIレスポンスの統一フォーマット。
// 失敗時の data は人が読めるメッセージで、kind はエラー種別。
type Envelope struct {
	Code        int             `json:"code"`
	Description string          `json:"description"`
	Date        time.Time       `json:"date"`
	Data        any             `json:"data"`
	Kind        model.ErrorKind `json:"kind,omitempty"`
}

// StatusOf はエラー種別に対応するHTTPステータスを返す。
func StatusOf(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindAuthentication:
		return http.StatusUnauthorized
	case model.KindLedgerRejection:
		return http.StatusConflict
	case model.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteSuccess は成功エンベロープを200で書き込む。
func WriteSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{
		Code:        CodeSuccess,
		Description: "SUCCESS",
		Date:        time.Now().UTC(),
		Data:        data,
	})
}

// WriteError は失敗エンベロープを種別に応じたステータスで書き込む。
// INTERNAL の詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	message := model.MessageOf(err)
	if kind == model.KindInternal {
		slog.Error("internal error", slog.String("error", err.Error()))
		message = "Internal server error."
	}
	writeJSON(w, StatusOf(kind), Envelope{
		Code:        CodeFailed,
		Description: "FAILED",
		Date:        time.Now().UTC(),
		Data:        message,
		Kind:        kind,
	})
}

// WriteJSON は任意のJSONを指定ステータスで書き込む。
func WriteJSON(w http.ResponseWriter, status int, body any) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

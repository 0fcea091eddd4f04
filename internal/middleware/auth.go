// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/couponledger/internal/model"
)

// AdminKeyHeader は管理APIキーを受け取るヘッダー名。
const AdminKeyHeader = "X-Admin-Key"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var callerContextKey = contextKey("caller")

// TokenVerifier はベアラートークンを検証して呼び出し元を返す。
type TokenVerifier interface {
	Verify(raw string) (*model.Caller, error)
}

// NewAuthMiddleware は Authorization ヘッダーのベアラートークンを検証し、
// 呼び出し元をリクエストコンテキストに注入するミドルウェアを返す。
// トークンがない、または無効な場合は401を返す。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				WriteError(w, model.NewAuthenticationError("Authentication Error", nil))
				return
			}

			caller, err := verifier.Verify(raw)
			if err != nil {
				slog.Warn("token verification failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteError(w, model.NewAuthenticationError("Authentication Error", err))
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), caller)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// NewAdminKeyMiddleware は X-Admin-Key ヘッダーを管理APIキーと照合するミドルウェアを返す。
// キーが未設定の場合は全てのリクエストを拒否する。
func NewAdminKeyMiddleware(key string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminKeyHeader)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				slog.Warn("admin key rejected", slog.String("path", r.URL.Path))
				WriteError(w, model.NewAuthenticationError("Authentication Error", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerFromContext はリクエストコンテキストから呼び出し元を取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func CallerFromContext(ctx context.Context) (*model.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(*model.Caller)
	return caller, ok && caller != nil && caller.ID != ""
}

// ContextWithCaller はコンテキストに呼び出し元を注入する。
// アクセスログ用のリクエスト状態があれば呼び出し元IDも記録する。
func ContextWithCaller(ctx context.Context, caller *model.Caller) context.Context {
	if st, ok := ctx.Value(requestStateKey).(*requestState); ok && caller != nil {
		st.callerID.Store(caller.ID)
	}
	return context.WithValue(ctx, callerContextKey, caller)
}

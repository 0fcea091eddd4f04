package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

var requestStateKey = contextKey("request_state")

// requestState は内側のミドルウェアが判明させた情報をアクセスログへ渡す。
type requestState struct {
	callerID atomic.Value
}

func (s *requestState) caller() string {
	id, _ := s.callerID.Load().(string)
	return id
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
// SSE と WebSocket のために Flush と Hijack を委譲する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Flush は下位の ResponseWriter がフラッシュに対応していれば委譲する。
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		if !sr.written {
			sr.statusCode = http.StatusOK
			sr.written = true
		}
		f.Flush()
	}
}

// Hijack は WebSocket へのアップグレードのために接続を引き渡す。
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if !sr.written {
		sr.statusCode = http.StatusSwitchingProtocols
		sr.written = true
	}
	return h.Hijack()
}

// Unwrap は http.ResponseController のために元の ResponseWriter を返す。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// HTTPRecorder はHTTPレスポンスのメトリクスを記録する。
type HTTPRecorder interface {
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、caller_id（認証済みの場合）を含む。
// recorder が nil でなければステータスとレイテンシも記録する。
func NewLoggingMiddleware(logger *slog.Logger, recorder HTTPRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			st := &requestState{}
			r = r.WithContext(context.WithValue(r.Context(), requestStateKey, st))

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}
			if id := st.caller(); id != "" {
				args = append(args, slog.String("caller_id", id))
			}

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)

			if recorder != nil {
				recorder.RecordHTTPStatus(rec.statusCode)
				recorder.RecordRequestLatency(duration)
			}
		})
	}
}

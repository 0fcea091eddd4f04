// Package ledger は識別子ごとの台帳(チェーンコード)呼び出しを提供する。
// 呼び出しごとに接続を開き、終了時に必ず切断する。
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/couponledger/internal/wallet"
)

// Session は1つの識別子で開かれた台帳接続。
type Session interface {
	Submit(function string, args ...string) ([]byte, error)
	Evaluate(function string, args ...string) ([]byte, error)
	Close()
}

// Connector は識別子ごとに Session を開く。
type Connector interface {
	Connect(ctx context.Context, identity string) (Session, error)
}

// Recorder は台帳呼び出しのメトリクスを記録する。
type Recorder interface {
	RecordLedgerCall(function, outcome string, duration time.Duration)
}

// Invoker はオーケストレータが利用する台帳呼び出しのインターフェース。
type Invoker interface {
	Submit(ctx context.Context, identity, controller, method string, args ...any) (json.RawMessage, error)
	Query(ctx context.Context, identity, controller, method string, args ...any) (json.RawMessage, error)
}

// Client は Invoker の実装。
type Client struct {
	wallet    wallet.Store
	connector Connector
	recorder  Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewClient は Client を生成する。recorder は nil でもよい。
func NewClient(w wallet.Store, connector Connector, recorder Recorder, logger *slog.Logger) *Client {
	return &Client{
		wallet:    w,
		connector: connector,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("github.com/hitoshi/couponledger/internal/ledger"),
	}
}

// FunctionName はチェーンコード上の関数名 "{controller}_{method}" を返す。
func FunctionName(controller, method string) string {
	return controller + "_" + method
}

// Submit はトランザクションを送信し、コミットされた結果を返す。
func (c *Client) Submit(ctx context.Context, identity, controller, method string, args ...any) (json.RawMessage, error) {
	return c.call(ctx, true, identity, controller, method, args)
}

// Query は台帳の状態を変更せずに評価のみ行う。
func (c *Client) Query(ctx context.Context, identity, controller, method string, args ...any) (json.RawMessage, error) {
	return c.call(ctx, false, identity, controller, method, args)
}

type callResult struct {
	payload []byte
	err     error
}

func (c *Client) call(ctx context.Context, submit bool, identity, controller, method string, args []any) (json.RawMessage, error) {
	function := FunctionName(controller, method)

	ctx, span := c.tracer.Start(ctx, "ledger."+function, trace.WithAttributes(
		attribute.String("ledger.identity", identity),
		attribute.Bool("ledger.submit", submit),
	))
	defer span.End()

	start := time.Now()
	payload, err := c.invoke(ctx, submit, identity, function, args)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		var le *Error
		if errors.As(err, &le) {
			outcome = le.Kind.String()
		}
		c.record(function, outcome, duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("ledger call failed",
			slog.String("function", function),
			slog.String("identity", identity),
			slog.String("outcome", outcome),
			slog.Int64("duration_ms", duration.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c.record(function, "success", duration)
	return decodeResult(payload), nil
}

func (c *Client) invoke(ctx context.Context, submit bool, identity, function string, args []any) ([]byte, error) {
	ok, err := c.wallet.Exists(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to check wallet: %w", err)
	}
	if !ok {
		return nil, ErrUnknownIdentity
	}

	strArgs, err := marshalArgs(args)
	if err != nil {
		return nil, &Error{Kind: TransactionError, Function: function, Message: err.Error(), Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, classify(function, err)
	}
	// 送信後のトランザクションはコミットされ得るため、呼び出し元の離脱では待機を打ち切らない。
	// 上限は接続設定のタイムアウトのみ。
	if submit {
		ctx = context.WithoutCancel(ctx)
	}

	session, err := c.connector.Connect(ctx, identity)
	if err != nil {
		return nil, classify(function, err)
	}

	// SDKの呼び出しはcontextを受け取らないため、照会はキャンセル時に結果を待たずに戻る。
	// セッションは呼び出し完了後に必ず閉じる。
	done := make(chan callResult, 1)
	go func() {
		defer session.Close()
		var r callResult
		if submit {
			r.payload, r.err = session.Submit(function, strArgs...)
		} else {
			r.payload, r.err = session.Evaluate(function, strArgs...)
		}
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classify(function, r.err)
		}
		return r.payload, nil
	case <-ctx.Done():
		return nil, classify(function, ctx.Err())
	}
}

func (c *Client) record(function, outcome string, d time.Duration) {
	if c.recorder != nil {
		c.recorder.RecordLedgerCall(function, outcome, d)
	}
}

// decodeResult は応答がJSONの場合のみ返す。空やJSONでない応答は nil とする。
func decodeResult(payload []byte) json.RawMessage {
	if len(payload) == 0 || !json.Valid(payload) {
		return nil
	}
	return json.RawMessage(payload)
}

func marshalArgs(args []any) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, a := range args {
		s, err := marshalArg(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// marshalArg はプリミティブを文字列化し、それ以外をJSONにする。
func marshalArg(a any) (string, error) {
	switch v := a.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

var _ Invoker = (*Client)(nil)

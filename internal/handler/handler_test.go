package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/couponledger/internal/coupon"
	"github.com/hitoshi/couponledger/internal/event"
	"github.com/hitoshi/couponledger/internal/middleware"
	"github.com/hitoshi/couponledger/internal/model"
)

// mockService はテストで使う操作だけを差し替える。未設定の操作を呼ぶとpanicする。
type mockService struct {
	CouponService

	authenticateFn     func(ctx context.Context, class model.ParticipantClass, in coupon.Credentials) (*model.Participant, error)
	registerUserFn     func(ctx context.Context, in coupon.RegisterParticipantInput) (*coupon.Registration, error)
	registerProviderFn func(ctx context.Context, in coupon.RegisterParticipantInput) (*coupon.Registration, error)
	issueCouponFn      func(ctx context.Context, caller *model.Caller, in coupon.IssueInput) ([]string, error)
	transferCouponFn   func(ctx context.Context, caller *model.Caller, in coupon.TransferInput) ([]string, error)
	balanceCouponFn    func(ctx context.Context, caller *model.Caller) (*coupon.Balance, error)
	listCouponFn       func(ctx context.Context, caller *model.Caller, scope model.CouponScope, filter string) ([]model.Coupon, error)
	listHistoryFn      func(ctx context.Context, caller *model.Caller, scope coupon.HistoryScope, in coupon.HistoryInput) ([]model.HistoryRecord, error)
	infoCouponFn       func(ctx context.Context, caller *model.Caller, class model.ParticipantClass, couponID string) (*model.Coupon, error)
	updateUserFn       func(ctx context.Context, caller *model.Caller, param map[string]any) (string, error)
}

func (m *mockService) Authenticate(ctx context.Context, class model.ParticipantClass, in coupon.Credentials) (*model.Participant, error) {
	return m.authenticateFn(ctx, class, in)
}

func (m *mockService) RegisterUser(ctx context.Context, in coupon.RegisterParticipantInput) (*coupon.Registration, error) {
	return m.registerUserFn(ctx, in)
}

func (m *mockService) RegisterProvider(ctx context.Context, in coupon.RegisterParticipantInput) (*coupon.Registration, error) {
	return m.registerProviderFn(ctx, in)
}

func (m *mockService) IssueCoupon(ctx context.Context, caller *model.Caller, in coupon.IssueInput) ([]string, error) {
	return m.issueCouponFn(ctx, caller, in)
}

func (m *mockService) TransferCoupon(ctx context.Context, caller *model.Caller, in coupon.TransferInput) ([]string, error) {
	return m.transferCouponFn(ctx, caller, in)
}

func (m *mockService) BalanceCoupon(ctx context.Context, caller *model.Caller) (*coupon.Balance, error) {
	return m.balanceCouponFn(ctx, caller)
}

func (m *mockService) ListCoupon(ctx context.Context, caller *model.Caller, scope model.CouponScope, filter string) ([]model.Coupon, error) {
	return m.listCouponFn(ctx, caller, scope, filter)
}

func (m *mockService) ListHistory(ctx context.Context, caller *model.Caller, scope coupon.HistoryScope, in coupon.HistoryInput) ([]model.HistoryRecord, error) {
	return m.listHistoryFn(ctx, caller, scope, in)
}

func (m *mockService) InfoCoupon(ctx context.Context, caller *model.Caller, class model.ParticipantClass, couponID string) (*model.Coupon, error) {
	return m.infoCouponFn(ctx, caller, class, couponID)
}

func (m *mockService) UpdateServiceUserInfo(ctx context.Context, caller *model.Caller, param map[string]any) (string, error) {
	return m.updateUserFn(ctx, caller, param)
}

type mockTokens struct {
	issueFn func(p *model.Participant) (string, error)
}

func (m *mockTokens) Issue(p *model.Participant) (string, error) {
	if m.issueFn != nil {
		return m.issueFn(p)
	}
	return "token-" + p.ID, nil
}

type mockVerifier struct{}

// Verify は "provider" と "consumer" の2種類のトークンだけを受け付ける。
func (mockVerifier) Verify(raw string) (*model.Caller, error) {
	switch raw {
	case "provider":
		return &model.Caller{ID: "P1", Type: model.ParticipantProvider, Peer: "peer0"}, nil
	case "consumer":
		return &model.Caller{ID: "U1", Type: model.ParticipantConsumer, Peer: "peer0"}, nil
	}
	return nil, errors.New("invalid token")
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(context.Context) error { return m.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, svc CouponService) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	return NewRouter(&RouterDeps{
		Logger:      discardLogger(),
		RateLimiter: rl,
		Verifier:    mockVerifier{},
		AdminAPIKey: "admin-key",
		Service:     svc,
		Tokens:      &mockTokens{},
		Hub:         event.NewHub(nil, discardLogger()),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("metrics"))
		}),
		Health: &mockPinger{},
	})
}

func doRequest(router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) middleware.Envelope {
	t.Helper()
	var env middleware.Envelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return env
}

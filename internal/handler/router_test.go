package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/couponledger/internal/coupon"
	"github.com/hitoshi/couponledger/internal/middleware"
	"github.com/hitoshi/couponledger/internal/model"
)

func TestNewRouter_AuthenticateReturnsToken(t *testing.T) {
	var gotClass model.ParticipantClass
	svc := &mockService{
		authenticateFn: func(_ context.Context, class model.ParticipantClass, in coupon.Credentials) (*model.Participant, error) {
			gotClass = class
			return &model.Participant{ID: "U1", Username: in.Username, Password: "hashed", Type: "CONSUMER"}, nil
		},
	}
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/user/authenticate", "", `{"username":"alice","password":"pw","peer":"peer0"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotClass != model.ClassServiceUser {
		t.Errorf("class = %v, want ClassServiceUser", gotClass)
	}
	var resp struct {
		Token string         `json:"token"`
		User  map[string]any `json:"user"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Token != "token-U1" {
		t.Errorf("token = %q, want token-U1", resp.Token)
	}
	if _, ok := resp.User["password"]; ok {
		t.Error("レスポンスにパスワードハッシュを含めてはならない")
	}
}

func TestNewRouter_AuthenticateFailureReturns401(t *testing.T) {
	svc := &mockService{
		authenticateFn: func(context.Context, model.ParticipantClass, coupon.Credentials) (*model.Participant, error) {
			return nil, model.NewAuthenticationError("Authentication Error", nil)
		},
	}
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/provider/authenticate", "", `{"username":"x","password":"y"}`)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp["error"] != "Authentication Error" {
		t.Errorf("error = %q, want Authentication Error", resp["error"])
	}
}

func TestNewRouter_ProtectedRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t, &mockService{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/provider/coupon/issue"},
		{http.MethodPost, "/provider/coupon/register"},
		{http.MethodGet, "/provider/asset/list"},
		{http.MethodPost, "/user/coupon/transfer"},
		{http.MethodGet, "/user/coupon/balance"},
		{http.MethodPost, "/store/coupon/list"},
		{http.MethodGet, "/user/redeemer/list"},
	}
	for _, p := range paths {
		t.Run(p.path, func(t *testing.T) {
			w := doRequest(router, p.method, p.path, "", "")
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if env := decodeEnvelope(t, w); env.Code != middleware.CodeFailed {
				t.Errorf("code = %d, want %d", env.Code, middleware.CodeFailed)
			}
		})
	}
}

func TestNewRouter_IssuePassesIdempotencyKey(t *testing.T) {
	var got coupon.IssueInput
	var gotCaller *model.Caller
	svc := &mockService{
		issueCouponFn: func(_ context.Context, caller *model.Caller, in coupon.IssueInput) ([]string, error) {
			got, gotCaller = in, caller
			return []string{"C1", "C2"}, nil
		},
	}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/provider/coupon/issue",
		strings.NewReader(`{"recipient":"U1","coupon":"A1","quantity":2,"expiry":1893456000000,"value":500}`))
	req.Header.Set("Authorization", "Bearer provider")
	req.Header.Set(IdempotencyKeyHeader, "key-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.IdempotencyKey != "key-1" {
		t.Errorf("IdempotencyKey = %q, want key-1", got.IdempotencyKey)
	}
	if got.Quantity == nil || *got.Quantity != 2 {
		t.Errorf("Quantity = %v, want 2", got.Quantity)
	}
	if gotCaller == nil || gotCaller.ID != "P1" {
		t.Errorf("caller = %+v, want P1", gotCaller)
	}
	env := decodeEnvelope(t, w)
	if env.Code != middleware.CodeSuccess || env.Description != "SUCCESS" {
		t.Errorf("envelope = %+v", env)
	}
	ids, ok := env.Data.([]any)
	if !ok || len(ids) != 2 {
		t.Errorf("data = %v, want 2 ids", env.Data)
	}
}

func TestNewRouter_ErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantData   string
	}{
		{"validation", model.NewValidationError("Missing field [coupon]."), http.StatusBadRequest, "Missing field [coupon]."},
		{"ledger rejection", &model.Error{Kind: model.KindLedgerRejection, Message: "coupon is not active"}, http.StatusConflict, "coupon is not active"},
		{"transport", &model.Error{Kind: model.KindTransport, Message: "ledger unavailable"}, http.StatusBadGateway, "ledger unavailable"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "Internal server error."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{
				transferCouponFn: func(context.Context, *model.Caller, coupon.TransferInput) ([]string, error) {
					return nil, tt.err
				},
			}
			router := newTestRouter(t, svc)

			w := doRequest(router, http.MethodPost, "/user/coupon/transfer", "consumer", `{"coupon":["C1"],"recipient":"U2"}`)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			env := decodeEnvelope(t, w)
			if env.Data != tt.wantData {
				t.Errorf("data = %v, want %q", env.Data, tt.wantData)
			}
		})
	}
}

func TestNewRouter_InvalidJSONIsValidationError(t *testing.T) {
	router := newTestRouter(t, &mockService{})

	w := doRequest(router, http.MethodPost, "/user/coupon/transfer", "consumer", `{"coupon":`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if env := decodeEnvelope(t, w); env.Kind != model.KindValidation {
		t.Errorf("kind = %q, want VALIDATION", env.Kind)
	}
}

func TestNewRouter_ListCouponScopes(t *testing.T) {
	tests := []struct {
		path      string
		token     string
		wantScope model.CouponScope
	}{
		{"/provider/coupon/list", "provider", model.ScopeProvider},
		{"/user/coupon/list", "consumer", model.ScopeUser},
		{"/store/coupon/list", "consumer", model.ScopeStore},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var gotScope model.CouponScope
			var gotFilter string
			svc := &mockService{
				listCouponFn: func(_ context.Context, _ *model.Caller, scope model.CouponScope, filter string) ([]model.Coupon, error) {
					gotScope, gotFilter = scope, filter
					return []model.Coupon{}, nil
				},
			}
			router := newTestRouter(t, svc)

			w := doRequest(router, http.MethodPost, tt.path, tt.token, `{"filter":"active"}`)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if gotScope != tt.wantScope {
				t.Errorf("scope = %v, want %v", gotScope, tt.wantScope)
			}
			if gotFilter != "active" {
				t.Errorf("filter = %q, want active", gotFilter)
			}
		})
	}
}

func TestNewRouter_HistoryScopes(t *testing.T) {
	tests := []struct {
		path      string
		wantScope coupon.HistoryScope
	}{
		{"/provider/transaction/history", coupon.HistoryByPeer},
		{"/user/transaction/history", coupon.HistoryByCaller},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var gotScope coupon.HistoryScope
			var gotInput coupon.HistoryInput
			svc := &mockService{
				listHistoryFn: func(_ context.Context, _ *model.Caller, scope coupon.HistoryScope, in coupon.HistoryInput) ([]model.HistoryRecord, error) {
					gotScope, gotInput = scope, in
					return []model.HistoryRecord{}, nil
				},
			}
			router := newTestRouter(t, svc)

			w := doRequest(router, http.MethodPost, tt.path, "provider", `{"dateFrom":"2024-01-01","dateTo":"2024-01-31"}`)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if gotScope != tt.wantScope {
				t.Errorf("scope = %v, want %v", gotScope, tt.wantScope)
			}
			if gotInput.DateFrom != "2024-01-01" || gotInput.DateTo != "2024-01-31" {
				t.Errorf("input = %+v", gotInput)
			}
		})
	}
}

func TestNewRouter_InfoCouponClass(t *testing.T) {
	var gotClass model.ParticipantClass
	svc := &mockService{
		infoCouponFn: func(_ context.Context, _ *model.Caller, class model.ParticipantClass, id string) (*model.Coupon, error) {
			gotClass = class
			if id != "C1" {
				t.Errorf("coupon = %q, want C1", id)
			}
			return nil, nil
		},
	}
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/provider/coupon/info", "provider", `{"coupon":"C1"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotClass != model.ClassServiceProvider {
		t.Errorf("class = %v, want ClassServiceProvider", gotClass)
	}
}

func TestNewRouter_BalanceWithEmptyBody(t *testing.T) {
	svc := &mockService{
		balanceCouponFn: func(_ context.Context, caller *model.Caller) (*coupon.Balance, error) {
			return &coupon.Balance{Active: json.RawMessage(`{"A1":["C1"]}`)}, nil
		},
	}
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodGet, "/user/coupon/balance", "consumer", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"active":{"A1":["C1"]}`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestNewRouter_UpdateAcceptsEmptyBody(t *testing.T) {
	var gotParam map[string]any
	svc := &mockService{
		updateUserFn: func(_ context.Context, _ *model.Caller, param map[string]any) (string, error) {
			gotParam = param
			return "U1", nil
		},
	}
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/user/update", "consumer", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotParam == nil || len(gotParam) != 0 {
		t.Errorf("param = %v, want empty map", gotParam)
	}
}

func TestNewRouter_UserRegisterIsPublic(t *testing.T) {
	svc := &mockService{
		registerUserFn: func(_ context.Context, in coupon.RegisterParticipantInput) (*coupon.Registration, error) {
			return &coupon.Registration{ID: "U9", Secret: "s"}, nil
		},
	}
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/user/register", "", `{"username":"u","password":"p","name":"n","peer":"peer0"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_AdminRegisterRequiresKey(t *testing.T) {
	called := false
	svc := &mockService{
		registerProviderFn: func(context.Context, coupon.RegisterParticipantInput) (*coupon.Registration, error) {
			called = true
			return &coupon.Registration{ID: "P9"}, nil
		},
	}
	router := newTestRouter(t, svc)

	w := doRequest(router, http.MethodPost, "/admin/provider/register", "", `{"username":"p","password":"p","name":"n"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if called {
		t.Error("管理APIキーなしで登録が呼ばれてはならない")
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/provider/register", strings.NewReader(`{"username":"p","password":"p","name":"n"}`))
	req.Header.Set(middleware.AdminKeyHeader, "admin-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status with key = %d, want %d", w.Code, http.StatusOK)
	}
	if !called {
		t.Error("管理APIキーがあれば登録が呼ばれるべき")
	}
}

func TestNewRouter_HealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &mockService{})

	if w := doRequest(router, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want %d", w.Code, http.StatusOK)
	}
	w := doRequest(router, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || w.Body.String() != "metrics" {
		t.Errorf("/metrics status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestHealthHandler_Unavailable(t *testing.T) {
	h := healthHandler(&mockPinger{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestNewRouter_SecurityHeaders(t *testing.T) {
	router := newTestRouter(t, &mockService{})

	w := doRequest(router, http.MethodGet, "/health", "", "")

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

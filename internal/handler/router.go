package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hitoshi/couponledger/internal/event"
	"github.com/hitoshi/couponledger/internal/middleware"
)

// HealthChecker は依存先の疎通を確認する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HTTPRecorder      middleware.HTTPRecorder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Verifier          middleware.TokenVerifier
	AdminAPIKey       string

	// オーケストレータ
	Service CouponService
	Tokens  TokenIssuer

	// イベント配信
	Hub          *event.Hub
	EventOrigins []string

	// 運用
	Metrics http.Handler
	Health  HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したhttp.Handlerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	otelhttp → Recovery → Logging → CORS → SecurityHeaders → Auth → RateLimit(General)
//
// 認証ルートと運用ルートは認証グループの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.HTTPRecorder))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.Service, deps.Tokens, deps.Logger)
	providerHandler := NewProviderHandler(deps.Service)
	userHandler := NewUserHandler(deps.Service)

	// --- 認証不要のルート ---
	r.Post("/provider/authenticate", authHandler.ProviderAuthenticate)
	r.Post("/user/authenticate", authHandler.UserAuthenticate)
	r.Post("/user/register", authHandler.RegisterUser)

	r.Get("/health", healthHandler(deps.Health))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Hub != nil {
		r.Get("/event-hub", event.SSEHandler(deps.Hub))
		r.Get("/event-hub/ws", event.WebSocketHandler(deps.Hub, deps.EventOrigins))
	}

	// --- 管理APIキーが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAdminKeyMiddleware(deps.AdminAPIKey))
		r.Post("/admin/provider/register", authHandler.RegisterProvider)
	})

	// --- トークン認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Verifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 発行元
		r.Post("/provider/coupon/register", providerHandler.RegisterCoupon)
		r.Post("/provider/update", providerHandler.Update)
		r.Post("/provider/store/register", providerHandler.RegisterStore)
		r.Post("/provider/user/list", providerHandler.ListUser)
		r.Post("/provider/transaction/history", providerHandler.History)
		r.Get("/provider/asset/list", providerHandler.AssetList)
		// 発行専用のレート制限を追加
		r.With(deps.RateLimiter.IssueMiddleware()).Post("/provider/coupon/issue", providerHandler.IssueCoupon)
		r.Post("/provider/coupon/info", providerHandler.InfoCoupon)
		r.Post("/provider/coupon/deactivate", providerHandler.DeactivateCoupon)
		r.Post("/provider/coupon/activate", providerHandler.ActivateCoupon)
		r.Post("/provider/coupon/list", providerHandler.ListCoupon)

		// 利用者・店舗
		r.Post("/user/coupon/info", userHandler.InfoCoupon)
		r.Post("/user/coupon/transfer", userHandler.TransferCoupon)
		r.Post("/user/coupon/redeem", userHandler.RedeemCoupon)
		r.Post("/user/coupon/settle", userHandler.SettleCoupon)
		r.Get("/user/coupon/balance", userHandler.Balance)
		r.Post("/user/coupon/list", userHandler.ListCoupon)
		r.Post("/user/update", userHandler.Update)
		r.Post("/user/list", userHandler.ListUser)
		r.Get("/user/redeemer/list", userHandler.ListRedeemer)
		r.Post("/user/transaction/history", userHandler.History)
		r.Post("/store/coupon/list", userHandler.ListStoreCoupon)
	})

	return otelhttp.NewHandler(r, "couponledger",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

// healthHandler は依存先が応答すれば200、そうでなければ503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/couponledger/internal/audit"
	"github.com/hitoshi/couponledger/internal/auth"
	"github.com/hitoshi/couponledger/internal/config"
	"github.com/hitoshi/couponledger/internal/coupon"
	"github.com/hitoshi/couponledger/internal/database"
	"github.com/hitoshi/couponledger/internal/event"
	"github.com/hitoshi/couponledger/internal/handler"
	"github.com/hitoshi/couponledger/internal/ledger"
	"github.com/hitoshi/couponledger/internal/metrics"
	"github.com/hitoshi/couponledger/internal/middleware"
	"github.com/hitoshi/couponledger/internal/repository"
	"github.com/hitoshi/couponledger/internal/security"
	"github.com/hitoshi/couponledger/internal/telemetry"
	"github.com/hitoshi/couponledger/internal/worker/cleanup"
	"github.com/hitoshi/couponledger/internal/worker/replay"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーと監査記録の再送・冪等キー削除ジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

	// 1. トレーシング
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "couponledger",
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// 2. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. ウォレット・認証局・登録サービス
	store, enroller, err := newEnrollment(cfg, log)
	if err != nil {
		return err
	}
	if cfg.FabricAdminSecret != "" {
		if _, err := enroller.EnrollAdmin(ctx, cfg.FabricAdminSecret); err != nil {
			return fmt.Errorf("admin enrollment failed: %w", err)
		}
	}

	// 5. 台帳クライアント
	connector := ledger.NewFabricConnector(ledger.FabricConfig{
		ConnectionProfile: cfg.FabricConnectionProfile,
		Channel:           cfg.FabricChannel,
		Chaincode:         cfg.FabricChaincode,
		Timeout:           cfg.LedgerTimeout,
	}, store.Wallet())
	ledgerClient := ledger.NewClient(store, connector, collector, log)

	// 6. 監査ストアとアウトボックス
	historyRepo := repository.NewPostgresHistoryRepo(db)
	redeemerRepo := repository.NewPostgresRedeemerRepo(db)
	idempotencyRepo := repository.NewPostgresIdempotencyRepo(db)

	outbox, err := audit.OpenBoltOutbox(cfg.OutboxPath)
	if err != nil {
		return fmt.Errorf("failed to open audit outbox: %w", err)
	}
	defer outbox.Close()

	auditService := audit.NewService(historyRepo, redeemerRepo, outbox, collector, log)
	replayer := replay.NewReplayer(outbox, historyRepo, redeemerRepo, collector, log, 0)

	cleanupJob := cleanup.NewCleanupJob(db, log)
	cleanupJob.RetentionDays = cfg.IdempotencyRetentionDays

	// 7. イベントハブとオーケストレータ
	hub := event.NewHub(collector, log)
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTTTL)

	couponService := coupon.NewService(coupon.Deps{
		Ledger:      ledgerClient,
		Enroller:    enroller,
		Audit:       auditService,
		Events:      hub,
		Idempotency: idempotencyRepo,
		Hasher:      auth.NewPasswordHasher(cfg.BcryptCost),
		Sanitizer:   security.NewTextSanitizer(),
		Recorder:    collector,
		Logger:      log,
	}, coupon.Config{AdminIdentity: cfg.FabricAdminID})

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		HTTPRecorder:      collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Verifier:          tokens,
		AdminAPIKey:       cfg.AdminAPIKey,
		Service:           couponService,
		Tokens:            tokens,
		Hub:               hub,
		EventOrigins:      cfg.EventOrigins,
		Metrics:           metrics.Handler(registry),
		Health:            db,
	})

	// 9. バックグラウンドジョブ
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		replayer.Start(ctx, cfg.ReplayInterval)
	}()
	go func() {
		defer wg.Done()
		// 起動直後に1回実行
		_ = cleanupJob.Run(ctx)
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// イベント配信の長時間接続があるため書き込みタイムアウトは設けない
		IdleTimeout: 60 * time.Second,
	}
	// Shutdown は配信中の接続を待つため、停止開始時に購読を閉じて終わらせる
	server.RegisterOnShutdown(hub.Close)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down API server...")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(sctx)
	// バックグラウンドジョブの終了を待ってからアウトボックスを閉じる
	stop()
	wg.Wait()
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// rateLimiterConfig は設定の req/min を req/sec に変換してレート制限設定を作る。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rl.GeneralBurst = cfg.RateLimitGeneral
	rl.IssueRate = rate.Limit(float64(cfg.RateLimitIssue) / 60.0)
	rl.IssueBurst = cfg.RateLimitIssue
	return rl
}

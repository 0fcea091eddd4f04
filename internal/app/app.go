package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hitoshi/couponledger/internal/ca"
	"github.com/hitoshi/couponledger/internal/config"
	"github.com/hitoshi/couponledger/internal/database"
	"github.com/hitoshi/couponledger/internal/enrollment"
	"github.com/hitoshi/couponledger/internal/logger"
	"github.com/hitoshi/couponledger/internal/wallet"
)

// defaultPort は SERVER_PORT 未設定時のポート。
const defaultPort = "8500"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
// 返す io.Closer はログファイルを閉じる。
func Init(w io.Writer) (*config.Config, io.Closer, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に従ってログを再設定する
	closer, err := logger.Configure(w, logger.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure logger: %w", err)
	}

	return cfg, closer, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = defaultPort
		}
		return runHealthcheck(port)
	}

	cfg, closer, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer closer.Close()

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("channel", cfg.FabricChannel),
		slog.String("chaincode", cfg.FabricChaincode),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandEnrollAdmin:
		return runEnrollAdmin(cfg)
	default:
		return runServe(cfg)
	}
}

// newEnrollment はウォレットと認証局クライアントを組み立てて登録サービスを返す。
func newEnrollment(cfg *config.Config, log *slog.Logger) (*wallet.FabricStore, *enrollment.Service, error) {
	store, err := wallet.NewFileSystemStore(cfg.FabricWalletPath, cfg.FabricOrgMSP)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open wallet: %w", err)
	}

	profile, err := ca.LoadProfile(cfg.FabricConnectionProfile, cfg.FabricCAName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load certificate authority profile: %w", err)
	}
	httpClient, err := profile.HTTPClient(cfg.CATimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build certificate authority client: %w", err)
	}
	caClient := ca.NewHTTPClient(httpClient, log, profile.URL, profile.CAName)

	enroller := enrollment.NewService(store, caClient, enrollment.Config{
		AdminID:     cfg.FabricAdminID,
		MSPID:       cfg.FabricOrgMSP,
		Affiliation: cfg.FabricAffiliation,
	}, log)
	return store, enroller, nil
}

// runEnrollAdmin は管理者をブートストラップ用シークレットで認証局から取得する。
// 既にウォレットに存在する場合は何もしない。
func runEnrollAdmin(cfg *config.Config) error {
	_, enroller, err := newEnrollment(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CATimeout)
	defer cancel()

	enrolled, err := enroller.EnrollAdmin(ctx, cfg.FabricAdminSecret)
	if err != nil {
		return fmt.Errorf("admin enrollment failed: %w", err)
	}
	if !enrolled {
		slog.Info("admin already exists in wallet", slog.String("identity", cfg.FabricAdminID))
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

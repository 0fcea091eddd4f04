package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Token
	JWTSecret  string        `env:"JWT_SECRET,required,notEmpty"`
	JWTTTL     time.Duration `env:"JWT_TTL" envDefault:"168h"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"12"`

	// Fabric
	FabricConnectionProfile string        `env:"FABRIC_CONNECTION_PROFILE,required,notEmpty"`
	FabricWalletPath        string        `env:"FABRIC_WALLET_PATH,required,notEmpty"`
	FabricChannel           string        `env:"FABRIC_CHANNEL" envDefault:"mychannel"`
	FabricChaincode         string        `env:"FABRIC_CHAINCODE" envDefault:"coupon"`
	FabricOrgMSP            string        `env:"FABRIC_ORG_MSP" envDefault:"Org1MSP"`
	FabricCAName            string        `env:"FABRIC_CA_NAME"`
	FabricAdminID           string        `env:"FABRIC_ADMIN_ID" envDefault:"admin"`
	FabricAdminSecret       string        `env:"FABRIC_ADMIN_SECRET"`
	FabricAffiliation       string        `env:"FABRIC_AFFILIATION"`
	LedgerTimeout           time.Duration `env:"LEDGER_TIMEOUT" envDefault:"5m"`
	CATimeout               time.Duration `env:"CA_TIMEOUT" envDefault:"30s"`

	// Audit
	OutboxPath               string        `env:"OUTBOX_PATH" envDefault:"audit-outbox.db"`
	ReplayInterval           time.Duration `env:"REPLAY_INTERVAL" envDefault:"1m"`
	IdempotencyRetentionDays int           `env:"IDEMPOTENCY_RETENTION_DAYS" envDefault:"30"`
	CleanupInterval          time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitIssue   int `env:"RATE_LIMIT_ISSUE" envDefault:"30"`

	// Server
	ServerPort        string   `env:"SERVER_PORT" envDefault:"8500"`
	CORSAllowedOrigin string   `env:"CORS_ALLOWED_ORIGIN"`
	AdminAPIKey       string   `env:"ADMIN_API_KEY"`
	EventOrigins      []string `env:"EVENT_ALLOWED_ORIGINS" envSeparator:","`

	// Telemetry
	OTelEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定または空の場合は、該当するものをすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		if missing := missingVars(err); len(missing) > 0 {
			return nil, fmt.Errorf("required environment variables are not set: %v", missing)
		}
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// missingVars は未設定の必須環境変数名だけを取り出す。
// 値の形式エラーが混在する場合は空を返し、元のエラーをそのまま報告させる。
func missingVars(err error) []string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return nil
	}
	var missing []string
	for _, e := range agg.Errors {
		var notSet env.VarIsNotSetError
		var empty env.EmptyVarError
		switch {
		case errors.As(e, &notSet):
			missing = append(missing, notSet.Key)
		case errors.As(e, &empty):
			missing = append(missing, empty.Key)
		default:
			return nil
		}
	}
	return missing
}

func (c *Config) validate() error {
	switch {
	case c.RateLimitGeneral <= 0:
		return errors.New("RATE_LIMIT_GENERAL must be positive")
	case c.RateLimitIssue <= 0:
		return errors.New("RATE_LIMIT_ISSUE must be positive")
	case c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1:
		return errors.New("OTEL_SAMPLE_RATIO must be between 0 and 1")
	case c.IdempotencyRetentionDays <= 0:
		return errors.New("IDEMPOTENCY_RETENTION_DAYS must be positive")
	case c.LedgerTimeout <= 0:
		return errors.New("LEDGER_TIMEOUT must be positive")
	}
	return nil
}

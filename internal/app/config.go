package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (OFFRAMP_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (OFFRAMP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`

	Pesabridge ProviderConfig
	Zenturi    ProviderConfig
	Chain      ChainConfig
	Quotes     QuoteConfig
	Settlement SettlementConfig
	Webhook    WebhookConfig
	Kafka      KafkaConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Graceful   GracefulConfig
}

// ProviderConfig is the per-provider connection configuration.
type ProviderConfig struct {
	BaseURL       string `usage:"Provider API base URL" flag:"base-url"`
	APIKey        string `usage:"Provider API key" flag:"api-key"`
	WebhookSecret string `usage:"Shared secret for webhook signature verification" flag:"webhook-secret"`
}

// ChainConfig configures the on-chain transfer submitter.
type ChainConfig struct {
	RPCURL        string        `usage:"Ethereum JSON-RPC endpoint" flag:"rpc-url"`
	PrivateKey    string        `usage:"Hex-encoded operator wallet key" flag:"private-key"`
	TokenAddress  string        `usage:"ERC-20 token contract address" flag:"token-address"`
	ChainID       int64         `default:"1" usage:"EIP-155 chain ID" flag:"chain-id"`
	TokenDecimals int32         `default:"6" usage:"Token decimal precision" flag:"token-decimals"`
	ConfirmWindow time.Duration `default:"5m" usage:"Max wait for transfer confirmation" flag:"confirm-window"`
}

// QuoteConfig controls exchange rate caching and fallback.
type QuoteConfig struct {
	StaleTTL time.Duration `default:"10m" usage:"Age after which a cached rate is flagged stale" flag:"stale-ttl"`
}

// SettlementConfig controls the reconciliation polling policy.
type SettlementConfig struct {
	FastAttempts int           `default:"10" usage:"Polls at the fast interval before backoff"`
	FastInterval time.Duration `default:"3s" usage:"Delay between initial fast polls"`
	Factor       float64       `default:"1.5" usage:"Backoff growth factor"`
	MaxInterval  time.Duration `default:"30s" usage:"Backoff delay cap"`
	MaxAttempts  int           `default:"60" usage:"Max status polls per order"`
	Deadline     time.Duration `default:"10m" usage:"Max wall-clock reconciliation time per order"`
}

// WebhookConfig sizes the replay guard.
type WebhookConfig struct {
	ReplayCapacity uint    `default:"1000000" usage:"Expected webhook events for replay filter sizing" flag:"replay-capacity"`
	ReplayFPR      float64 `default:"0.0001" usage:"Replay filter false positive rate" flag:"replay-fpr"`
}

// KafkaConfig controls terminal event publishing.
type KafkaConfig struct {
	Enabled bool   `default:"false" usage:"Publish terminal payout events to Kafka"`
	Broker  string `default:"localhost:9092" usage:"Kafka bootstrap servers"`
	Topic   string `default:"offramp.payouts" usage:"Topic for terminal payout events"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "OFFRAMP",
		Files:     []string{"config.yaml", "/etc/offramp/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set OFFRAMP_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Pesabridge.BaseURL == "" && cfg.Zenturi.BaseURL == "" {
		return nil, errors.New("at least one settlement provider must be configured")
	}
	if cfg.Chain.RPCURL == "" {
		return nil, errors.New("chain RPC URL is required: set OFFRAMP_CHAIN_RPC_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the application's OFFRAMP_-
// prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

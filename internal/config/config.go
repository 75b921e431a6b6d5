// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/riskscore/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Ethereum
	EtherscanAPIKey   string
	EtherscanBase     string
	EtherscanExplorer string
	SourcifyAPI       string
	SourcifyRepo      string
	EthRPCURL         string // Optional; enables the EIP-1967 storage probe

	// Hedera
	HederaMirrorMainnet string
	HederaMirrorTestnet string
	HashscanBase        string

	// Market data
	CoinGeckoAPIKey  string
	CoinGeckoBaseURL string
	DefiLlamaBaseURL string

	// Upstream behavior
	APITimeout      time.Duration
	APIRetries      int
	RequestDelay    time.Duration // Minimum spacing between calls to one source
	CacheTTL        time.Duration
	BreakerFailures int
	BreakerOpen     time.Duration

	// Catalog and refresh
	ProtocolsFile   string // Empty uses the built-in catalog
	RefreshInterval time.Duration

	// Receipts
	ReceiptsDir       string
	ReceiptHMACSecret string // Optional; receipts are unsigned without it

	// Scoring
	Weights         risk.Weights
	LowThreshold    int
	MediumThreshold int
	ExtendedScoring bool

	// Security
	RateLimitRPM int
	CORSOrigins  []string
	AllowTx      bool // Must stay false; the service is read-only

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultEtherscanBase       = "https://api.etherscan.io/v2/api"
	DefaultEtherscanExplorer   = "https://etherscan.io"
	DefaultSourcifyAPI         = "https://sourcify.dev/server"
	DefaultSourcifyRepo        = "https://repo.sourcify.dev"
	DefaultHederaMirrorMainnet = "https://mainnet-public.mirrornode.hedera.com/api/v1"
	DefaultHederaMirrorTestnet = "https://testnet.mirrornode.hedera.com/api/v1"
	DefaultHashscanBase        = "https://hashscan.io"
	DefaultCoinGeckoBaseURL    = "https://api.coingecko.com/api/v3"
	DefaultDefiLlamaBaseURL    = "https://api.llama.fi"
	DefaultReceiptsDir         = "runs"
	DefaultRateLimitRPM        = 120
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		EtherscanAPIKey:   os.Getenv("ETHERSCAN_API_KEY"),
		EtherscanBase:     getEnv("ETHERSCAN_BASE", DefaultEtherscanBase),
		EtherscanExplorer: getEnv("ETHERSCAN_EXPLORER", DefaultEtherscanExplorer),
		SourcifyAPI:       getEnv("SOURCIFY_API", DefaultSourcifyAPI),
		SourcifyRepo:      getEnv("SOURCIFY_REPO", DefaultSourcifyRepo),
		EthRPCURL:         os.Getenv("ETH_RPC_URL"),

		HederaMirrorMainnet: getEnv("HEDERA_MIRROR_MAINNET", DefaultHederaMirrorMainnet),
		HederaMirrorTestnet: getEnv("HEDERA_MIRROR_TESTNET", DefaultHederaMirrorTestnet),
		HashscanBase:        getEnv("HASHSCAN_BASE", DefaultHashscanBase),

		CoinGeckoAPIKey:  os.Getenv("COINGECKO_API_KEY"),
		CoinGeckoBaseURL: getEnv("COINGECKO_BASE_URL", DefaultCoinGeckoBaseURL),
		DefiLlamaBaseURL: getEnv("DEFILLAMA_BASE_URL", DefaultDefiLlamaBaseURL),

		APITimeout:      getEnvSeconds("API_TIMEOUT_SECONDS", 10),
		APIRetries:      int(getEnvInt64("API_RETRIES", 2)),
		RequestDelay:    time.Duration(getEnvInt64("REQUEST_DELAY_MS", 100)) * time.Millisecond,
		CacheTTL:        getEnvSeconds("CACHE_TTL_SECONDS", 300),
		BreakerFailures: int(getEnvInt64("BREAKER_THRESHOLD", 5)),
		BreakerOpen:     getEnvSeconds("BREAKER_OPEN_SECONDS", 30),

		ProtocolsFile:   os.Getenv("PROTOCOLS_FILE"),
		RefreshInterval: getEnvSeconds("REFRESH_INTERVAL_SECONDS", 900),

		ReceiptsDir:       getEnv("RECEIPTS_DIR", DefaultReceiptsDir),
		ReceiptHMACSecret: os.Getenv("RECEIPT_HMAC_SECRET"),

		Weights: risk.Weights{
			Security:    getEnvFloat("WEIGHT_SECURITY", 0.40),
			Financial:   getEnvFloat("WEIGHT_FINANCIAL", 0.30),
			Operational: getEnvFloat("WEIGHT_OPERATIONAL", 0.20),
			Market:      getEnvFloat("WEIGHT_MARKET", 0.10),
		},
		LowThreshold:    int(getEnvInt64("LOW_RISK_THRESHOLD", risk.DefaultLowThreshold)),
		MediumThreshold: int(getEnvInt64("MEDIUM_RISK_THRESHOLD", risk.DefaultMediumThreshold)),
		ExtendedScoring: getEnvBool("EXTENDED_SCORING", false),

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:  strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),
		AllowTx:      getEnvBool("ALLOW_TX", false),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the scorer cannot run with.
func (c *Config) Validate() error {
	if c.AllowTx {
		return fmt.Errorf("%w: ALLOW_TX must be false, the scorer never submits transactions", ErrInvalidConfig)
	}
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MediumThreshold < 0 || c.LowThreshold > 100 || c.MediumThreshold >= c.LowThreshold {
		return fmt.Errorf("%w: need 0 <= MEDIUM_RISK_THRESHOLD < LOW_RISK_THRESHOLD <= 100, got %d and %d",
			ErrInvalidConfig, c.MediumThreshold, c.LowThreshold)
	}
	if c.APIRetries < 0 {
		return fmt.Errorf("%w: API_RETRIES must not be negative", ErrInvalidConfig)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("%w: API_TIMEOUT_SECONDS must be positive", ErrInvalidConfig)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("%w: REFRESH_INTERVAL_SECONDS must be positive", ErrInvalidConfig)
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_RPM must be positive", ErrInvalidConfig)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: LOG_FORMAT must be text or json", ErrInvalidConfig)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultSeconds)) * time.Second
}

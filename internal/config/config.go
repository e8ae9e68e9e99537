package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChainIDs maps the supported anchor networks to their EVM chain ids.
var ChainIDs = map[string]int64{
	"sepolia": 11155111,
	"mumbai":  80001,
	"mainnet": 1,
	"polygon": 137,
}

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	AnchorSimulated          bool          `mapstructure:"ANCHOR_SIMULATED"`
	AnchorRPCURL             string        `mapstructure:"ANCHOR_RPC_URL"`
	AnchorPrivateKey         string        `mapstructure:"ANCHOR_PRIVATE_KEY"`
	AnchorNetwork            string        `mapstructure:"ANCHOR_NETWORK"`
	AnchorContractAddress    string        `mapstructure:"ANCHOR_CONTRACT_ADDRESS"`
	AnchorGasLimit           uint64        `mapstructure:"ANCHOR_GAS_LIMIT"`
	AnchorGasPriceMultiplier float64       `mapstructure:"ANCHOR_GAS_PRICE_MULTIPLIER"`
	AnchorCommitInterval     time.Duration `mapstructure:"ANCHOR_COMMIT_INTERVAL"`
	AnchorBatchSize          int           `mapstructure:"ANCHOR_BATCH_SIZE"`
	AnchorStorePath          string        `mapstructure:"ANCHOR_STORE_PATH"`
	AnchorConfirmTimeout     time.Duration `mapstructure:"ANCHOR_CONFIRM_TIMEOUT"`

	RedisHost string `mapstructure:"REDIS_HOST"`
	RedisPort string `mapstructure:"REDIS_PORT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("ANCHOR_SIMULATED", true)
	v.SetDefault("ANCHOR_NETWORK", "sepolia")
	v.SetDefault("ANCHOR_GAS_LIMIT", 100000)
	v.SetDefault("ANCHOR_GAS_PRICE_MULTIPLIER", 1.2)
	v.SetDefault("ANCHOR_COMMIT_INTERVAL", "24h")
	v.SetDefault("ANCHOR_BATCH_SIZE", 500)
	v.SetDefault("ANCHOR_STORE_PATH", "./data/anchor")
	v.SetDefault("ANCHOR_CONFIRM_TIMEOUT", "120s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_JWT_SECRET")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("ANCHOR_SIMULATED")
	v.BindEnv("ANCHOR_RPC_URL")
	v.BindEnv("ANCHOR_PRIVATE_KEY")
	v.BindEnv("ANCHOR_NETWORK")
	v.BindEnv("ANCHOR_CONTRACT_ADDRESS")
	v.BindEnv("ANCHOR_GAS_LIMIT")
	v.BindEnv("ANCHOR_GAS_PRICE_MULTIPLIER")
	v.BindEnv("ANCHOR_COMMIT_INTERVAL")
	v.BindEnv("ANCHOR_BATCH_SIZE")
	v.BindEnv("ANCHOR_STORE_PATH")
	v.BindEnv("ANCHOR_CONFIRM_TIMEOUT")
	v.BindEnv("REDIS_HOST")
	v.BindEnv("REDIS_PORT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Dev auth is active — requests may impersonate any user.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_JWT_SECRET.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AnchorChainID returns the EVM chain id for the configured anchor network.
func (c *Config) AnchorChainID() (int64, bool) {
	id, ok := ChainIDs[c.AnchorNetwork]
	return id, ok
}

// Validate checks that the configuration is safe to run. A real anchor
// client needs connection details up front; refusing to start beats
// discovering a dead ledger at the first commit cycle. In production the
// JWT secret is required so API authentication is enforced.
func (c *Config) Validate() error {
	if !c.AnchorSimulated {
		if c.AnchorRPCURL == "" {
			return fmt.Errorf("ANCHOR_RPC_URL is required when ANCHOR_SIMULATED is false")
		}
		if c.AnchorPrivateKey == "" {
			return fmt.Errorf("ANCHOR_PRIVATE_KEY is required when ANCHOR_SIMULATED is false")
		}
		if _, ok := ChainIDs[c.AnchorNetwork]; !ok {
			return fmt.Errorf("ANCHOR_NETWORK must be one of sepolia, mumbai, mainnet, polygon, got %q", c.AnchorNetwork)
		}
	}

	if c.AnchorCommitInterval <= 0 {
		return fmt.Errorf("ANCHOR_COMMIT_INTERVAL must be positive, got %s", c.AnchorCommitInterval)
	}
	if c.AnchorBatchSize <= 0 {
		return fmt.Errorf("ANCHOR_BATCH_SIZE must be positive, got %d", c.AnchorBatchSize)
	}

	if c.IsProduction() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required in production")
	}

	return nil
}

// Package config loads the coordinator configuration from environment
// variables, with an optional YAML overlay for deployments that prefer
// files. Every tunable the components consume lives in an explicit
// record here; nothing reads the environment directly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration record.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	CoinJoin   CoinJoinConfig   `yaml:"coinjoin"`
	Ring       RingConfig       `yaml:"ring"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Vault      VaultConfig      `yaml:"vault"`
	Chains     ChainsConfig     `yaml:"chains"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Host           string        `env:"SERVER_HOST,default=0.0.0.0" yaml:"host"`
	Port           int           `env:"SERVER_PORT,default=8080" yaml:"port"`
	JWTSecret      string        `env:"JWT_SECRET,default=" yaml:"jwt_secret"`
	AllowedOrigins string        `env:"ALLOWED_ORIGINS,default=" yaml:"allowed_origins"`
	RateLimitRPS   float64       `env:"RATE_LIMIT_RPS,default=10" yaml:"rate_limit_rps"`
	RateLimitBurst int           `env:"RATE_LIMIT_BURST,default=20" yaml:"rate_limit_burst"`
	ReadTimeout    time.Duration `env:"SERVER_READ_TIMEOUT,default=15s" yaml:"read_timeout"`
	WriteTimeout   time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s" yaml:"write_timeout"`
}

// DatabaseConfig controls the postgres store.
type DatabaseConfig struct {
	Driver          string        `env:"DB_DRIVER,default=postgres" yaml:"driver"`
	DSN             string        `env:"DB_DSN,default=" yaml:"dsn"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25" yaml:"max_open_conns"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=300s" yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `env:"DB_MIGRATE_ON_START,default=true" yaml:"migrate_on_start"`
}

// RedisConfig controls the optional redis balance cache.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED,default=false" yaml:"enabled"`
	Addr     string `env:"REDIS_ADDR,default=localhost:6379" yaml:"addr"`
	Password string `env:"REDIS_PASSWORD,default=" yaml:"password"`
	DB       int    `env:"REDIS_DB,default=0" yaml:"db"`
}

// LoggingConfig controls pkg/logger construction.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Format     string `env:"LOG_FORMAT,default=json" yaml:"format"`
	Output     string `env:"LOG_OUTPUT,default=stdout" yaml:"output"`
	FilePrefix string `env:"LOG_FILE_PREFIX,default=mixer" yaml:"file_prefix"`
}

// EngineConfig controls the mix request engine.
type EngineConfig struct {
	TickInterval       time.Duration `env:"ENGINE_TICK_INTERVAL,default=10s" yaml:"tick_interval"`
	MaxConcurrentMixes int           `env:"ENGINE_MAX_CONCURRENT_MIXES,default=10" yaml:"max_concurrent_mixes"`
	DepositExpiry      time.Duration `env:"ENGINE_DEPOSIT_EXPIRY,default=24h" yaml:"deposit_expiry"`
	MaxRetries         int           `env:"ENGINE_MAX_RETRIES,default=5" yaml:"max_retries"`
	RetryBaseDelay     time.Duration `env:"ENGINE_RETRY_BASE_DELAY,default=2s" yaml:"retry_base_delay"`
	ConfirmPollEvery   time.Duration `env:"ENGINE_CONFIRM_POLL_EVERY,default=30s" yaml:"confirm_poll_every"`
	ServiceFeeBps      int64         `env:"ENGINE_SERVICE_FEE_BPS,default=25" yaml:"service_fee_bps"`
	JanitorInterval    time.Duration `env:"ENGINE_JANITOR_INTERVAL,default=6h" yaml:"janitor_interval"`
	Retention          time.Duration `env:"ENGINE_RETENTION,default=720h" yaml:"retention"`
}

// CoinJoinConfig controls session formation and phases.
type CoinJoinConfig struct {
	MinParticipants     int           `env:"COINJOIN_MIN_PARTICIPANTS,default=3" yaml:"min_participants"`
	MaxParticipants     int           `env:"COINJOIN_MAX_PARTICIPANTS,default=10" yaml:"max_participants"`
	RegistrationTimeout time.Duration `env:"COINJOIN_REGISTRATION_TIMEOUT,default=10m" yaml:"registration_timeout"`
	OutputTimeout       time.Duration `env:"COINJOIN_OUTPUT_TIMEOUT,default=10m" yaml:"output_timeout"`
	SigningTimeout      time.Duration `env:"COINJOIN_SIGNING_TIMEOUT,default=2m" yaml:"signing_timeout"`
	BroadcastTimeout    time.Duration `env:"COINJOIN_BROADCAST_TIMEOUT,default=1m" yaml:"broadcast_timeout"`
	BanDuration         time.Duration `env:"COINJOIN_BAN_DURATION,default=24h" yaml:"ban_duration"`
	CoordinatorFeeBps   int64         `env:"COINJOIN_COORDINATOR_FEE_BPS,default=25" yaml:"coordinator_fee_bps"`
	UseSchnorr          bool          `env:"COINJOIN_USE_SCHNORR,default=true" yaml:"use_schnorr"`
	RequireProofOfFunds bool          `env:"COINJOIN_REQUIRE_PROOF_OF_FUNDS,default=false" yaml:"require_proof_of_funds"`
	SessionRetention    time.Duration `env:"COINJOIN_SESSION_RETENTION,default=24h" yaml:"session_retention"`
}

// RingConfig controls the ring signature path.
type RingConfig struct {
	RingSize            int    `env:"RING_SIZE,default=11" yaml:"ring_size"`
	MinRingSize         int    `env:"RING_MIN_SIZE,default=7" yaml:"min_ring_size"`
	MaxRingSize         int    `env:"RING_MAX_SIZE,default=64" yaml:"max_ring_size"`
	Algorithm           string `env:"RING_ALGORITHM,default=clsag" yaml:"algorithm"`
	DecoySelection      string `env:"RING_DECOY_SELECTION,default=gamma" yaml:"decoy_selection"`
	DecoyMinimumAge     int64  `env:"RING_DECOY_MINIMUM_AGE,default=10" yaml:"decoy_minimum_age"`
	DecoyMaximumAge     int64  `env:"RING_DECOY_MAXIMUM_AGE,default=1000" yaml:"decoy_maximum_age"`
	ConfidentialOutputs bool   `env:"RING_CONFIDENTIAL_OUTPUTS,default=true" yaml:"confidential_outputs"`
}

// WalletConfig controls wallet custody housekeeping.
type WalletConfig struct {
	BalanceCacheTTL   time.Duration `env:"WALLET_BALANCE_CACHE_TTL,default=30s" yaml:"balance_cache_ttl"`
	RotationIdle      time.Duration `env:"WALLET_ROTATION_IDLE,default=168h" yaml:"rotation_idle"`
	ArchiveIdle       time.Duration `env:"WALLET_ARCHIVE_IDLE,default=2160h" yaml:"archive_idle"`
	ArchiveBatchSize  int           `env:"WALLET_ARCHIVE_BATCH_SIZE,default=1000" yaml:"archive_batch_size"`
	ArchiveBatchPause time.Duration `env:"WALLET_ARCHIVE_BATCH_PAUSE,default=100ms" yaml:"archive_batch_pause"`
	RotationSchedule  string        `env:"WALLET_ROTATION_SCHEDULE,default=0 3 * * *" yaml:"rotation_schedule"`
	ArchiveSchedule   string        `env:"WALLET_ARCHIVE_SCHEDULE,default=30 3 * * *" yaml:"archive_schedule"`
}

// SecurityConfig controls the validation pipeline thresholds.
type SecurityConfig struct {
	RiskScoreThreshold    int           `env:"SECURITY_RISK_SCORE_THRESHOLD,default=75" yaml:"risk_score_threshold"`
	ManualReviewThreshold int           `env:"SECURITY_MANUAL_REVIEW_THRESHOLD,default=85" yaml:"manual_review_threshold"`
	AutoRejectThreshold   int           `env:"SECURITY_AUTO_REJECT_THRESHOLD,default=95" yaml:"auto_reject_threshold"`
	ReputationURL         string        `env:"SECURITY_REPUTATION_URL,default=" yaml:"reputation_url"`
	ReputationScorePath   string        `env:"SECURITY_REPUTATION_SCORE_PATH,default=$.data.risk_score" yaml:"reputation_score_path"`
	ReputationTagsPath    string        `env:"SECURITY_REPUTATION_TAGS_PATH,default=$.data.tags" yaml:"reputation_tags_path"`
	ReputationTimeout     time.Duration `env:"SECURITY_REPUTATION_TIMEOUT,default=5s" yaml:"reputation_timeout"`
}

// MonitoringConfig controls collectors, alerting and notification.
type MonitoringConfig struct {
	SystemInterval      time.Duration `env:"MONITORING_SYSTEM_INTERVAL,default=30s" yaml:"system_interval"`
	BusinessInterval    time.Duration `env:"MONITORING_BUSINESS_INTERVAL,default=60s" yaml:"business_interval"`
	SecurityInterval    time.Duration `env:"MONITORING_SECURITY_INTERVAL,default=15s" yaml:"security_interval"`
	PerformanceInterval time.Duration `env:"MONITORING_PERFORMANCE_INTERVAL,default=5s" yaml:"performance_interval"`
	SystemAlertEvery    time.Duration `env:"MONITORING_SYSTEM_ALERT_EVERY,default=30s" yaml:"system_alert_every"`
	BusinessAlertEvery  time.Duration `env:"MONITORING_BUSINESS_ALERT_EVERY,default=60s" yaml:"business_alert_every"`
	SuppressionWindow   time.Duration `env:"MONITORING_SUPPRESSION_WINDOW,default=5m" yaml:"suppression_window"`
	SeriesTTL           time.Duration `env:"MONITORING_SERIES_TTL,default=24h" yaml:"series_ttl"`
	NotifyMaxRetries    int           `env:"MONITORING_NOTIFY_MAX_RETRIES,default=3" yaml:"notify_max_retries"`
	NotifyBaseDelay     time.Duration `env:"MONITORING_NOTIFY_BASE_DELAY,default=1s" yaml:"notify_base_delay"`
	WebhookURL          string        `env:"MONITORING_WEBHOOK_URL,default=" yaml:"webhook_url"`
	SlackWebhookURL     string        `env:"MONITORING_SLACK_WEBHOOK_URL,default=" yaml:"slack_webhook_url"`
	TelegramToken       string        `env:"MONITORING_TELEGRAM_TOKEN,default=" yaml:"telegram_token"`
	TelegramChatID      string        `env:"MONITORING_TELEGRAM_CHAT_ID,default=" yaml:"telegram_chat_id"`
	EmailEndpoint       string        `env:"MONITORING_EMAIL_ENDPOINT,default=" yaml:"email_endpoint"`
}

// VaultConfig controls private key sealing.
type VaultConfig struct {
	MasterSecret string `env:"VAULT_MASTER_SECRET,default=" yaml:"master_secret"`
	Salt         string `env:"VAULT_SALT,default=mixer-core-v1" yaml:"salt"`
	Iterations   int    `env:"VAULT_PBKDF2_ITERATIONS,default=4096" yaml:"iterations"`
}

// ChainConfig configures one currency's chain client.
type ChainConfig struct {
	Mode             string `yaml:"mode"`
	RPCURL           string `yaml:"rpc_url"`
	RPCUser          string `yaml:"rpc_user"`
	RPCPass          string `yaml:"rpc_pass"`
	TokenContract    string `yaml:"token_contract"`
	MinConfirmations int64  `yaml:"min_confirmations"`
}

// ChainsConfig groups the per-currency chain clients. The block is
// filled from CHAIN_<CURRENCY>_* variables by applyChainEnvPrefixes.
type ChainsConfig struct {
	BTC       ChainConfig `yaml:"btc"`
	ETH       ChainConfig `yaml:"eth"`
	USDTERC20 ChainConfig `yaml:"usdt_erc20"`
	USDTTRC20 ChainConfig `yaml:"usdt_trc20"`
	SOL       ChainConfig `yaml:"sol"`
}

// For returns the block for a currency; unknown currencies get the
// zero config.
func (c ChainsConfig) For(currency string) ChainConfig {
	switch currency {
	case "BTC":
		return c.BTC
	case "ETH":
		return c.ETH
	case "USDT_ERC20":
		return c.USDTERC20
	case "USDT_TRC20":
		return c.USDTTRC20
	case "SOL":
		return c.SOL
	}
	return ChainConfig{}
}

// Load reads .env when present, decodes the environment, and applies
// defaults. It never fails on a missing .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	applyChainEnvPrefixes(&cfg.Chains)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromPath loads a YAML config file over the environment defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config or falls back to pure defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in defaults without touching the
// environment. Used by tests and the simulated deployment mode.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080, RateLimitRPS: 10, RateLimitBurst: 20, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Database: DatabaseConfig{Driver: "postgres", MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 300 * time.Second, MigrateOnStart: true},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stdout", FilePrefix: "mixer"},
		Engine: EngineConfig{
			TickInterval:       10 * time.Second,
			MaxConcurrentMixes: 10,
			DepositExpiry:      24 * time.Hour,
			MaxRetries:         5,
			RetryBaseDelay:     2 * time.Second,
			ConfirmPollEvery:   30 * time.Second,
			ServiceFeeBps:      25,
			JanitorInterval:    6 * time.Hour,
			Retention:          30 * 24 * time.Hour,
		},
		CoinJoin: CoinJoinConfig{
			MinParticipants:     3,
			MaxParticipants:     10,
			RegistrationTimeout: 10 * time.Minute,
			OutputTimeout:       10 * time.Minute,
			SigningTimeout:      2 * time.Minute,
			BroadcastTimeout:    time.Minute,
			BanDuration:         24 * time.Hour,
			CoordinatorFeeBps:   25,
			UseSchnorr:          true,
			SessionRetention:    24 * time.Hour,
		},
		Ring: RingConfig{
			RingSize:            11,
			MinRingSize:         7,
			MaxRingSize:         64,
			Algorithm:           "clsag",
			DecoySelection:      "gamma",
			DecoyMinimumAge:     10,
			DecoyMaximumAge:     1000,
			ConfidentialOutputs: true,
		},
		Wallet: WalletConfig{
			BalanceCacheTTL:   30 * time.Second,
			RotationIdle:      7 * 24 * time.Hour,
			ArchiveIdle:       90 * 24 * time.Hour,
			ArchiveBatchSize:  1000,
			ArchiveBatchPause: 100 * time.Millisecond,
			RotationSchedule:  "0 3 * * *",
			ArchiveSchedule:   "30 3 * * *",
		},
		Security: SecurityConfig{
			RiskScoreThreshold:    75,
			ManualReviewThreshold: 85,
			AutoRejectThreshold:   95,
			ReputationScorePath:   "$.data.risk_score",
			ReputationTagsPath:    "$.data.tags",
			ReputationTimeout:     5 * time.Second,
		},
		Monitoring: MonitoringConfig{
			SystemInterval:      30 * time.Second,
			BusinessInterval:    60 * time.Second,
			SecurityInterval:    15 * time.Second,
			PerformanceInterval: 5 * time.Second,
			SystemAlertEvery:    30 * time.Second,
			BusinessAlertEvery:  60 * time.Second,
			SuppressionWindow:   5 * time.Minute,
			SeriesTTL:           24 * time.Hour,
			NotifyMaxRetries:    3,
			NotifyBaseDelay:     time.Second,
		},
		Vault: VaultConfig{Salt: "mixer-core-v1", Iterations: 4096},
		Chains: ChainsConfig{
			BTC:       ChainConfig{Mode: "simulated", MinConfirmations: 2},
			ETH:       ChainConfig{Mode: "simulated", MinConfirmations: 12},
			USDTERC20: ChainConfig{Mode: "simulated", MinConfirmations: 12},
			USDTTRC20: ChainConfig{Mode: "simulated", MinConfirmations: 19},
			SOL:       ChainConfig{Mode: "simulated", MinConfirmations: 31},
		},
	}
}

// applyChainEnvPrefixes fills per-currency chain settings from
// CHAIN_<CUR>_* variables. envdecode cannot prefix nested structs, so
// the chain block is decoded by hand.
func applyChainEnvPrefixes(chains *ChainsConfig) {
	fill := func(prefix string, cc *ChainConfig, defaultConfs int64) {
		if v := os.Getenv("CHAIN_" + prefix + "_MODE"); v != "" {
			cc.Mode = v
		} else if cc.Mode == "" {
			cc.Mode = "simulated"
		}
		if v := os.Getenv("CHAIN_" + prefix + "_RPC_URL"); v != "" {
			cc.RPCURL = v
		}
		if v := os.Getenv("CHAIN_" + prefix + "_RPC_USER"); v != "" {
			cc.RPCUser = v
		}
		if v := os.Getenv("CHAIN_" + prefix + "_RPC_PASS"); v != "" {
			cc.RPCPass = v
		}
		if v := os.Getenv("CHAIN_" + prefix + "_TOKEN_CONTRACT"); v != "" {
			cc.TokenContract = v
		}
		if cc.MinConfirmations <= 0 {
			cc.MinConfirmations = defaultConfs
		}
		var n int64
		if _, err := fmt.Sscanf(os.Getenv("CHAIN_"+prefix+"_MIN_CONFIRMATIONS"), "%d", &n); err == nil && n > 0 {
			cc.MinConfirmations = n
		}
	}
	fill("BTC", &chains.BTC, 2)
	fill("ETH", &chains.ETH, 12)
	fill("USDT_ERC20", &chains.USDTERC20, 12)
	fill("USDT_TRC20", &chains.USDTTRC20, 19)
	fill("SOL", &chains.SOL, 31)
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentMixes <= 0 {
		return fmt.Errorf("engine.max_concurrent_mixes must be positive")
	}
	if c.Engine.MaxRetries <= 0 {
		return fmt.Errorf("engine.max_retries must be positive")
	}
	if c.CoinJoin.MinParticipants < 2 {
		return fmt.Errorf("coinjoin.min_participants must be at least 2")
	}
	if c.CoinJoin.MaxParticipants < c.CoinJoin.MinParticipants {
		return fmt.Errorf("coinjoin.max_participants below min_participants")
	}
	if c.Ring.MinRingSize < 2 || c.Ring.MaxRingSize < c.Ring.MinRingSize {
		return fmt.Errorf("ring size bounds are inconsistent")
	}
	if c.Ring.RingSize < c.Ring.MinRingSize || c.Ring.RingSize > c.Ring.MaxRingSize {
		return fmt.Errorf("ring.ring_size %d outside [%d, %d]", c.Ring.RingSize, c.Ring.MinRingSize, c.Ring.MaxRingSize)
	}
	switch c.Ring.Algorithm {
	case "clsag", "mlsag", "borromean":
	default:
		return fmt.Errorf("ring.algorithm %q unknown", c.Ring.Algorithm)
	}
	switch c.Ring.DecoySelection {
	case "gamma", "uniform", "triangular":
	default:
		return fmt.Errorf("ring.decoy_selection %q unknown", c.Ring.DecoySelection)
	}
	s := c.Security
	if !(s.RiskScoreThreshold <= s.ManualReviewThreshold && s.ManualReviewThreshold <= s.AutoRejectThreshold) {
		return fmt.Errorf("security thresholds must be ordered: flag <= review <= reject")
	}
	return nil
}

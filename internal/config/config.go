package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"market-resolver/internal/logging"
	"market-resolver/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Processed ProcessedConfig `mapstructure:"processed"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	DryRun      bool   `mapstructure:"dry_run"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the attempt log and the advisory lock.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
	Retention       time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	DisputeInterval time.Duration `mapstructure:"dispute_interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	DisputesEnabled bool          `mapstructure:"disputes_enabled"`
}

// ChainConfig covers JSON-RPC access.
type ChainConfig struct {
	RPCURLs            []string      `mapstructure:"rpc_urls"`
	ChainID            int64         `mapstructure:"chain_id"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
	BackoffInitial     time.Duration `mapstructure:"backoff_initial"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// ContractSet is the deployment of one denomination.
type ContractSet struct {
	Market  string `mapstructure:"market"`
	Dispute string `mapstructure:"dispute"`
}

// ContractsConfig lists contract addresses per denomination. Empty sets are skipped.
type ContractsConfig struct {
	BNB ContractSet `mapstructure:"bnb"`
	PDX ContractSet `mapstructure:"pdx"`
}

// For returns the set configured for token.
func (c ContractsConfig) For(token market.TokenType) ContractSet {
	switch token {
	case market.TokenBNB:
		return c.BNB
	case market.TokenPDX:
		return c.PDX
	default:
		return ContractSet{}
	}
}

// SignerConfig 描述签名账户。
type SignerConfig struct {
	PrivateKey          string        `mapstructure:"private_key"`
	MinBalance          float64       `mapstructure:"min_balance"`
	GasPriceBumpPercent int64         `mapstructure:"gas_price_bump_percent"`
	GasLimitBumpPercent int64         `mapstructure:"gas_limit_bump_percent"`
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
}

// OracleConfig captures the AI oracle backends.
type OracleConfig struct {
	PrimaryURL      string        `mapstructure:"primary_url"`
	FallbackURL     string        `mapstructure:"fallback_url"`
	PrimaryTimeout  time.Duration `mapstructure:"primary_timeout"`
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// ResolverConfig tunes on-chain submissions.
type ResolverConfig struct {
	RequestReason         string `mapstructure:"request_reason"`
	MaxReasonLength       int    `mapstructure:"max_reason_length"`
	DisputeLookbackBlocks uint64 `mapstructure:"dispute_lookback_blocks"`
}

// ProcessedConfig selects where processed marks live.
type ProcessedConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig is the optional shared processed set.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	TLSEnabled bool          `mapstructure:"tls_enabled"`
	Prefix     string        `mapstructure:"prefix"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// ServerConfig configures the trigger/health/metrics listener.
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	TriggerSecret string        `mapstructure:"trigger_secret"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("RESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// normalize trims list entries that come from comma-separated env values so
// every consumer sees the same strings Validate checked.
func (c *Config) normalize() {
	urls := make([]string, 0, len(c.Chain.RPCURLs))
	for _, raw := range c.Chain.RPCURLs {
		if u := strings.TrimSpace(raw); u != "" {
			urls = append(urls, u)
		}
	}
	c.Chain.RPCURLs = urls
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "market-resolver")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.dry_run", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.dispute_interval", "60s")
	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d6b7472))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.disputes_enabled", true)

	v.SetDefault("chain.rpc_urls", []string{
		"https://bsc-testnet.publicnode.com",
		"https://data-seed-prebsc-1-s1.binance.org:8545",
	})
	v.SetDefault("chain.chain_id", 97)
	v.SetDefault("chain.failure_threshold", 3)
	v.SetDefault("chain.min_request_interval", "100ms")
	v.SetDefault("chain.backoff_initial", "1s")
	v.SetDefault("chain.backoff_max", "5s")
	v.SetDefault("chain.request_timeout", "15s")

	v.SetDefault("contracts.bnb.market", "")
	v.SetDefault("contracts.bnb.dispute", "")
	v.SetDefault("contracts.pdx.market", "")
	v.SetDefault("contracts.pdx.dispute", "")

	v.SetDefault("signer.private_key", "")
	v.SetDefault("signer.min_balance", 0.01)
	v.SetDefault("signer.gas_price_bump_percent", 10)
	v.SetDefault("signer.gas_limit_bump_percent", 20)
	v.SetDefault("signer.receipt_timeout", "2m")
	v.SetDefault("signer.poll_interval", "3s")

	v.SetDefault("oracle.primary_url", "")
	v.SetDefault("oracle.fallback_url", "")
	v.SetDefault("oracle.primary_timeout", "10s")
	v.SetDefault("oracle.fallback_timeout", "8s")
	v.SetDefault("oracle.user_agent", "market-resolver/1.0")

	v.SetDefault("resolver.request_reason", "Automatic resolution request")
	v.SetDefault("resolver.max_reason_length", 200)
	v.SetDefault("resolver.dispute_lookback_blocks", 10000)

	v.SetDefault("processed.backend", "memory")
	v.SetDefault("processed.redis.addr", "")
	v.SetDefault("processed.redis.password", "")
	v.SetDefault("processed.redis.db", 0)
	v.SetDefault("processed.redis.tls_enabled", false)
	v.SetDefault("processed.redis.prefix", "processed:")
	v.SetDefault("processed.redis.ttl", "168h")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.trigger_secret", "")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("database.retention", "720h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
// The signing key is checked at startup by the app, since read-only commands
// run without one.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.DisputeInterval <= 0 {
		return fmt.Errorf("scheduler.dispute_interval must be greater than zero")
	}
	if len(c.Chain.RPCURLs) == 0 {
		return fmt.Errorf("chain.rpc_urls must list at least one endpoint")
	}
	for _, raw := range c.Chain.RPCURLs {
		if _, err := url.ParseRequestURI(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("chain.rpc_urls: invalid url %q", raw)
		}
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be greater than zero")
	}
	if c.Chain.FailureThreshold <= 0 {
		return fmt.Errorf("chain.failure_threshold must be greater than zero")
	}
	if c.Signer.MinBalance < 0 {
		return fmt.Errorf("signer.min_balance cannot be negative")
	}

	configured := 0
	for _, token := range market.Tokens {
		set := c.Contracts.For(token)
		for name, addr := range map[string]string{"market": set.Market, "dispute": set.Dispute} {
			if addr == "" {
				continue
			}
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("contracts.%s.%s: invalid address %q", strings.ToLower(string(token)), name, addr)
			}
		}
		if set.Market != "" {
			configured++
		}
	}
	if configured == 0 {
		return fmt.Errorf("contracts: at least one market contract must be configured")
	}

	if c.Oracle.PrimaryURL == "" && c.Oracle.FallbackURL == "" {
		return fmt.Errorf("oracle.primary_url must be configured")
	}
	if c.Resolver.MaxReasonLength <= 0 {
		return fmt.Errorf("resolver.max_reason_length must be greater than zero")
	}

	switch strings.ToLower(c.Processed.Backend) {
	case "", "memory":
	case "redis":
		if c.Processed.Redis.Addr == "" {
			return fmt.Errorf("processed.redis.addr 必须配置")
		}
	default:
		return fmt.Errorf("processed.backend: unknown backend %q", c.Processed.Backend)
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Tokens returns the denominations with a configured market contract, in scan order.
func (c *Config) Tokens() []market.TokenType {
	out := make([]market.TokenType, 0, len(market.Tokens))
	for _, token := range market.Tokens {
		if c.Contracts.For(token).Market != "" {
			out = append(out, token)
		}
	}
	return out
}

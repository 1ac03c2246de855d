package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"chaintrack/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Ethereum     EthereumConfig     `mapstructure:"ethereum"`
	Explorer     ExplorerConfig     `mapstructure:"explorer"`
	Price        PriceConfig        `mapstructure:"price"`
	ML           MLConfig           `mapstructure:"ml"`
	LLM          LLMConfig          `mapstructure:"llm"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig governs the HTTP listener.
type ServerConfig struct {
	Addr                string        `mapstructure:"addr"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins         []string      `mapstructure:"cors_origins"`
	TrustClientIDHeader bool          `mapstructure:"trust_client_id_header"`
	TrustForwardedFor   bool          `mapstructure:"trust_forwarded_for"`
}

// EthereumConfig covers the primary JSON-RPC node.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExplorerConfig captures the explorer proxy API used as fallback source.
type ExplorerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// PriceConfig covers the spot price API.
type PriceConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// MLConfig describes the external model-serving stub.
type MLConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMConfig describes the language-model endpoint.
type LLMConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	DiscoverOnStartup bool          `mapstructure:"discover_on_startup"`
}

// Configured reports whether the real language-model path can be used.
func (c LLMConfig) Configured() bool {
	return c.Enabled && strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.BaseURL) != ""
}

// RateLimitConfig bounds language-model calls per client.
type RateLimitConfig struct {
	Window   time.Duration `mapstructure:"window"`
	MaxCalls int           `mapstructure:"max_calls"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	TxTTL           time.Duration `mapstructure:"tx_ttl"`
	AddressTxTTL    time.Duration `mapstructure:"address_tx_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// StorageConfig selects the optional analyses sink.
type StorageConfig struct {
	Driver       string        `mapstructure:"driver"`
	SQLitePath   string        `mapstructure:"sqlite_path"`
	LockPath     string        `mapstructure:"lock_path"`
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// HousekeepingConfig drives periodic maintenance jobs.
type HousekeepingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CHAINTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
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
	v.SetDefault("app.name", "chaintrack")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":4000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.trust_client_id_header", true)
	v.SetDefault("server.trust_forwarded_for", true)

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.request_timeout", "6s")

	v.SetDefault("explorer.base_url", "https://api.etherscan.io/api")
	v.SetDefault("explorer.api_key", "")
	v.SetDefault("explorer.requests_per_second", 5.0)
	v.SetDefault("explorer.request_timeout", "6s")

	v.SetDefault("price.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("price.request_timeout", "6s")
	v.SetDefault("price.cache_ttl", "60s")
	v.SetDefault("price.requests_per_second", 2.0)

	v.SetDefault("ml.enabled", false)
	v.SetDefault("ml.base_url", "http://localhost:8000/ml")
	v.SetDefault("ml.timeout", "2500ms")

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.timeout", "12s")
	v.SetDefault("llm.max_output_tokens", 256)
	v.SetDefault("llm.cache_ttl", "3600s")
	v.SetDefault("llm.discover_on_startup", true)

	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.max_calls", 6)

	v.SetDefault("cache.tx_ttl", "0s")
	v.SetDefault("cache.address_tx_ttl", "30s")
	v.SetDefault("cache.cleanup_interval", "5m")

	v.SetDefault("storage.driver", "")
	v.SetDefault("storage.sqlite_path", "chaintrack.db")
	v.SetDefault("storage.lock_path", "chaintrack.lock")
	v.SetDefault("storage.queue_size", 256)
	v.SetDefault("storage.write_timeout", "5s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("housekeeping.interval", "1m")
}

// legacyEnv maps the flat environment names used by existing deployments.
var legacyEnv = map[string]string{
	"ETH_RPC_URL":        "ethereum.rpc_url",
	"ETHERSCAN_API_KEY":  "explorer.api_key",
	"USE_ML":             "ml.enabled",
	"ML_SERVICE_URL":     "ml.base_url",
	"USE_REAL_LLM":       "llm.enabled",
	"LLM_API_URL":        "llm.base_url",
	"LLM_API_KEY":        "llm.api_key",
	"LLM_MODEL":          "llm.model",
	"LLM_MAX_TOKENS":     "llm.max_output_tokens",
	"LLM_RATE_LIMIT_MAX": "ratelimit.max_calls",
	"DATABASE_URL":       "database.dsn",
	"PORT":               "server.addr",
}

// legacyUnitEnv carries bare numbers with an implied unit.
var legacyUnitEnv = map[string]struct {
	key  string
	unit time.Duration
}{
	"LLM_TIMEOUT_MS":           {key: "llm.timeout", unit: time.Millisecond},
	"LLM_CACHE_TTL_SECONDS":    {key: "llm.cache_ttl", unit: time.Second},
	"LLM_RATE_LIMIT_WINDOW_MS": {key: "ratelimit.window", unit: time.Millisecond},
}

func bindLegacyEnv(v *viper.Viper) error {
	for env, key := range legacyEnv {
		raw, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if env == "PORT" && !strings.Contains(raw, ":") {
			raw = ":" + raw
		}
		v.SetDefault(key, strings.TrimSpace(raw))
	}
	for env, target := range legacyUnitEnv {
		raw, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", env, err)
		}
		v.SetDefault(target.key, (time.Duration(n) * target.unit).String())
	}
	return nil
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
func (c *Config) Validate() error {
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be greater than zero")
	}
	if c.RateLimit.MaxCalls < 0 {
		return fmt.Errorf("ratelimit.max_calls cannot be negative")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be greater than zero")
	}
	if c.LLM.MaxOutputTokens <= 0 {
		return fmt.Errorf("llm.max_output_tokens must be greater than zero")
	}
	if c.Ethereum.RequestTimeout <= 0 {
		return fmt.Errorf("ethereum.request_timeout must be greater than zero")
	}
	if c.Cache.TxTTL < 0 {
		return fmt.Errorf("cache.tx_ttl cannot be negative")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "", "none":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when storage.driver is postgres")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required when storage.driver is sqlite")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported (postgres, sqlite)", c.Storage.Driver)
	}
	if c.Storage.QueueSize <= 0 {
		return fmt.Errorf("storage.queue_size must be greater than zero")
	}
	if c.Housekeeping.Interval <= 0 {
		return fmt.Errorf("housekeeping.interval must be greater than zero")
	}
	return nil
}

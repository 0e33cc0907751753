package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Quant     QuantConfig     `mapstructure:"quant"`
	DB        DBConfig        `mapstructure:"db"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Retention RetentionConfig `mapstructure:"retention"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type BrokerConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutSec     int     `mapstructure:"timeout_sec"`
	RetryAttempts  int     `mapstructure:"retry_attempts"`
	RetryDelaySec  float64 `mapstructure:"retry_delay_sec"`
	RetryBackoff   float64 `mapstructure:"retry_backoff"`
	RatePerSecond  int     `mapstructure:"rate_per_second"`
	QuoteBatchSize int     `mapstructure:"quote_batch_size"`
}

type AuthConfig struct {
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
}

type IngestConfig struct {
	Underlying             string  `mapstructure:"underlying"`
	Expirations            int     `mapstructure:"expirations"`
	StrikeDistance         float64 `mapstructure:"strike_distance"`
	StrikeRecalcInterval   int     `mapstructure:"strike_recalc_interval"`
	PriceMoveThreshold     float64 `mapstructure:"price_move_threshold"`
	StrikeCleanupInterval  int     `mapstructure:"strike_cleanup_interval"`
	MarketHoursPollSec     int     `mapstructure:"market_hours_poll_interval"`
	ExtendedHoursPollSec   int     `mapstructure:"extended_hours_poll_interval"`
	ClosedHoursPollSec     int     `mapstructure:"closed_hours_poll_interval"`
	BucketSeconds          int     `mapstructure:"aggregation_bucket_seconds"`
	MaxBufferSize          int     `mapstructure:"max_buffer_size"`
	BufferFlushIntervalSec int     `mapstructure:"buffer_flush_interval"`
	OptionBatchSize        int     `mapstructure:"option_batch_size"`
	GreeksEnabled          bool    `mapstructure:"greeks_enabled"`
	IVCalculationEnabled   bool    `mapstructure:"iv_calculation_enabled"`
	LookbackDays           int     `mapstructure:"lookback_days"`
	BackfillOptionSampling int     `mapstructure:"backfill_option_sampling"`
}

type QuantConfig struct {
	IVMaxIterations int     `mapstructure:"iv_max_iterations"`
	IVTolerance     float64 `mapstructure:"iv_tolerance"`
	IVMin           float64 `mapstructure:"iv_min"`
	IVMax           float64 `mapstructure:"iv_max"`
	RiskFreeRate    float64 `mapstructure:"risk_free_rate"`
	DefaultIV       float64 `mapstructure:"implied_volatility_default"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	PoolMax  int    `mapstructure:"pool_max"`
	PoolMin  int    `mapstructure:"pool_min"`
}

// DSN builds the lib/pq connection string. The password is omitted when
// empty so .pgpass lookups still apply.
func (d DBConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.SSLMode)
	if d.Password != "" {
		dsn += " password=" + d.Password
	}
	return dsn
}

type AnalyticsConfig struct {
	IntervalSec        int `mapstructure:"interval"`
	StalenessWindowSec int `mapstructure:"staleness_window"`
}

type RetentionConfig struct {
	QuotesDays  int `mapstructure:"quotes_days"`
	QualityDays int `mapstructure:"quality_days"`
	MetricsDays int `mapstructure:"metrics_days"`
}

type NotifyConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Server           string `mapstructure:"server"`
	Topic            string `mapstructure:"topic"`
	Token            string `mapstructure:"token"`
	Priority         string `mapstructure:"priority"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Enabled    bool   `mapstructure:"enabled"`
	Directory  string `mapstructure:"directory"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func (b BrokerConfig) Timeout() time.Duration { return time.Duration(b.TimeoutSec) * time.Second }

func (b BrokerConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelaySec * float64(time.Second))
}

func (i IngestConfig) Bucket() time.Duration { return time.Duration(i.BucketSeconds) * time.Second }

func (a AnalyticsConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSec) * time.Second
}

func (a AnalyticsConfig) StalenessWindow() time.Duration {
	return time.Duration(a.StalenessWindowSec) * time.Second
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("ZEROGEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindFlatEnv(v)

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.base_url", "https://api.tradestation.com/v3")
	v.SetDefault("broker.timeout_sec", 30)
	v.SetDefault("broker.retry_attempts", 3)
	v.SetDefault("broker.retry_delay_sec", 1.0)
	v.SetDefault("broker.retry_backoff", 2.0)
	v.SetDefault("broker.rate_per_second", 10)
	v.SetDefault("broker.quote_batch_size", 100)

	v.SetDefault("auth.token_url", "https://signin.tradestation.com/oauth/token")

	v.SetDefault("ingest.underlying", "SPY")
	v.SetDefault("ingest.expirations", 3)
	v.SetDefault("ingest.strike_distance", 10.0)
	v.SetDefault("ingest.strike_recalc_interval", 10)
	v.SetDefault("ingest.price_move_threshold", 1.0)
	v.SetDefault("ingest.strike_cleanup_interval", 100)
	v.SetDefault("ingest.market_hours_poll_interval", 5)
	v.SetDefault("ingest.extended_hours_poll_interval", 30)
	v.SetDefault("ingest.closed_hours_poll_interval", 300)
	v.SetDefault("ingest.aggregation_bucket_seconds", 60)
	v.SetDefault("ingest.max_buffer_size", 1000)
	v.SetDefault("ingest.buffer_flush_interval", 60)
	v.SetDefault("ingest.option_batch_size", 100)
	v.SetDefault("ingest.greeks_enabled", true)
	v.SetDefault("ingest.iv_calculation_enabled", true)
	v.SetDefault("ingest.lookback_days", 7)
	v.SetDefault("ingest.backfill_option_sampling", 10)

	v.SetDefault("quant.iv_max_iterations", 100)
	v.SetDefault("quant.iv_tolerance", 0.00001)
	v.SetDefault("quant.iv_min", 0.01)
	v.SetDefault("quant.iv_max", 5.0)
	v.SetDefault("quant.risk_free_rate", 0.05)
	v.SetDefault("quant.implied_volatility_default", 0.20)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "zerogexdb")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.pool_max", 10)
	v.SetDefault("db.pool_min", 1)

	v.SetDefault("analytics.interval", 60)
	v.SetDefault("analytics.staleness_window", 300)

	v.SetDefault("retention.quotes_days", 90)
	v.SetDefault("retention.quality_days", 365)
	v.SetDefault("retention.metrics_days", 30)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.failure_threshold", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

// bindFlatEnv maps the flat environment names operators already use
// onto the nested keys.
func bindFlatEnv(v *viper.Viper) {
	binds := map[string]string{
		"auth.client_id":                      "TRADESTATION_CLIENT_ID",
		"auth.client_secret":                  "TRADESTATION_CLIENT_SECRET",
		"auth.refresh_token":                  "TRADESTATION_REFRESH_TOKEN",
		"ingest.underlying":                   "UNDERLYING",
		"ingest.expirations":                  "EXPIRATIONS",
		"ingest.strike_distance":              "STRIKE_DISTANCE",
		"ingest.strike_recalc_interval":       "STRIKE_RECALC_INTERVAL",
		"ingest.price_move_threshold":         "PRICE_MOVE_THRESHOLD",
		"ingest.market_hours_poll_interval":   "MARKET_HOURS_POLL_INTERVAL",
		"ingest.extended_hours_poll_interval": "EXTENDED_HOURS_POLL_INTERVAL",
		"ingest.closed_hours_poll_interval":   "CLOSED_HOURS_POLL_INTERVAL",
		"ingest.aggregation_bucket_seconds":   "AGGREGATION_BUCKET_SECONDS",
		"ingest.max_buffer_size":              "MAX_BUFFER_SIZE",
		"ingest.buffer_flush_interval":        "BUFFER_FLUSH_INTERVAL",
		"ingest.option_batch_size":            "OPTION_BATCH_SIZE",
		"ingest.greeks_enabled":               "GREEKS_ENABLED",
		"ingest.iv_calculation_enabled":       "IV_CALCULATION_ENABLED",
		"broker.timeout_sec":                  "API_REQUEST_TIMEOUT",
		"broker.retry_attempts":               "API_RETRY_ATTEMPTS",
		"broker.retry_delay_sec":              "API_RETRY_DELAY",
		"broker.retry_backoff":                "API_RETRY_BACKOFF",
		"broker.quote_batch_size":             "QUOTE_BATCH_SIZE",
		"quant.iv_max_iterations":             "IV_MAX_ITERATIONS",
		"quant.iv_tolerance":                  "IV_TOLERANCE",
		"quant.iv_min":                        "IV_MIN",
		"quant.iv_max":                        "IV_MAX",
		"quant.risk_free_rate":                "RISK_FREE_RATE",
		"quant.implied_volatility_default":    "IMPLIED_VOLATILITY_DEFAULT",
		"analytics.interval":                  "ANALYTICS_INTERVAL",
		"analytics.staleness_window":          "ANALYTICS_STALENESS_WINDOW",
		"db.password":                         "DB_PASSWORD",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

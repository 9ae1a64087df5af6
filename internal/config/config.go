package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Cron   CronConfig   `mapstructure:"cron"`

	MarketData    MarketDataConfig    `mapstructure:"market_data"`
	ChainExecutor ChainExecutorConfig `mapstructure:"chain_executor"`
	PriceStream   PriceStreamConfig   `mapstructure:"price_stream"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Notifier      NotifierConfig      `mapstructure:"notifier"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SchedulerScan string `mapstructure:"scheduler_scan"`
	StaleOpSweep  string `mapstructure:"stale_op_sweep"`
}

type MarketDataConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChainExecutorConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	DryRun  bool          `mapstructure:"dry_run"`
}

type PriceStreamConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxAssets       int           `mapstructure:"max_assets"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type PipelineConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ScanInterval  time.Duration `mapstructure:"scan_interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	StaleOpTTL    time.Duration `mapstructure:"stale_op_ttl"`
}

type NotifierConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Channels   []string      `mapstructure:"channels"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.scheduler_scan", "@every 1m")
	v.SetDefault("cron.stale_op_sweep", "@every 10m")

	v.SetDefault("market_data.base_url", "http://localhost:9101")
	v.SetDefault("market_data.timeout", "15s")
	v.SetDefault("chain_executor.base_url", "http://localhost:9102")
	v.SetDefault("chain_executor.api_key", "")
	v.SetDefault("chain_executor.timeout", "60s")
	v.SetDefault("chain_executor.dry_run", true)
	v.SetDefault("price_stream.enabled", false)
	v.SetDefault("price_stream.url", "")
	v.SetDefault("price_stream.refresh_interval", "30s")
	v.SetDefault("price_stream.max_assets", 200)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.scan_interval", "1m")
	v.SetDefault("scheduler.batch_size", 200)
	v.SetDefault("pipeline.enabled", true)
	v.SetDefault("pipeline.scan_interval", "5s")
	v.SetDefault("pipeline.max_concurrent", 4)
	v.SetDefault("pipeline.step_timeout", "2m")
	v.SetDefault("pipeline.stale_op_ttl", "24h")

	v.SetDefault("notifier.webhook_url", "")
	v.SetDefault("notifier.timeout", "5s")
	v.SetDefault("notifier.channels", []string{"webhook"})

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

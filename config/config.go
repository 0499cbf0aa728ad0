package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values can be written as "500ms",
// "15m" and so on.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Perpflow  PerpflowConfig  `yaml:"perpflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Feed      FeedConfig      `yaml:"feed"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
}

type PerpflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	Output         string   `yaml:"output"`
	MaxAge         int      `yaml:"max_age"`
	ReportInterval Duration `yaml:"report_interval"`
}

type ChannelsConfig struct {
	TickerBuffer int `yaml:"ticker_buffer"`
}

type FeedConfig struct {
	URL              string   `yaml:"url"`
	InstType         string   `yaml:"inst_type"`
	ReconnectDelay   Duration `yaml:"reconnect_delay"`
	PingInterval     Duration `yaml:"ping_interval"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

type FetcherConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        Duration             `yaml:"timeout"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type CircuitBreakerConfig struct {
	FailureThreshold uint32   `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

type SchedulerConfig struct {
	Interval        Duration `yaml:"interval"`
	InitialDelay    Duration `yaml:"initial_delay"`
	PriorityN       int      `yaml:"priority_n"`
	ItemDelay       Duration `yaml:"item_delay"`
	FailureCooldown Duration `yaml:"failure_cooldown"`
	DailyBars       int      `yaml:"daily_bars"`
	IntradayBar     string   `yaml:"intraday_bar"`
	IntradayBars    int      `yaml:"intraday_bars"`
	Ranking         string   `yaml:"ranking"`
}

type CacheConfig struct {
	Backend string   `yaml:"backend"`
	Path    string   `yaml:"path"`
	Dir     string   `yaml:"dir"`
	TTL     Duration `yaml:"ttl"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	StreamInterval Duration `yaml:"stream_interval"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override network endpoints from environment variables if available
	if v := os.Getenv("FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MARKET_API_URL"); v != "" {
		config.Fetcher.BaseURL = strings.TrimSpace(v)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// defaults mirror the source dashboard's hard-coded constants; the delay
// values intentionally stay configurable rather than derived.
func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: Duration(30 * time.Second),
		},
		Channels: ChannelsConfig{TickerBuffer: 1024},
		Feed: FeedConfig{
			InstType:         "SWAP",
			ReconnectDelay:   Duration(1200 * time.Millisecond),
			PingInterval:     Duration(20 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
		},
		Fetcher: FetcherConfig{
			Timeout: Duration(10 * time.Second),
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         1,
			},
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   Duration(500 * time.Millisecond),
				MaxDelay:    Duration(8 * time.Second),
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 10,
				RecoveryTimeout:  Duration(30 * time.Second),
			},
		},
		Scheduler: SchedulerConfig{
			Interval:        Duration(3 * time.Minute),
			InitialDelay:    Duration(20 * time.Second),
			PriorityN:       50,
			ItemDelay:       Duration(250 * time.Millisecond),
			FailureCooldown: Duration(2 * time.Second),
			DailyBars:       30,
			IntradayBar:     "4H",
			IntradayBars:    2,
			Ranking:         "market_cap",
		},
		Cache: CacheConfig{
			Backend: "sqlite",
			Path:    "data/indicators.db",
			Dir:     "data/indicators",
			TTL:     Duration(15 * time.Minute),
		},
		Server: ServerConfig{
			Addr:           ":8080",
			StreamInterval: Duration(2 * time.Second),
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Perpflow.Name == "" {
		return fmt.Errorf("perpflow.name is required")
	}

	if cfg.Perpflow.Version == "" {
		return fmt.Errorf("perpflow.version is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if cfg.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed.reconnect_delay must be greater than 0")
	}

	if cfg.Fetcher.BaseURL == "" {
		return fmt.Errorf("fetcher.base_url is required")
	}
	if cfg.Fetcher.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher.retry.max_attempts must be greater than 0")
	}
	if cfg.Fetcher.Retry.BaseDelay <= 0 {
		return fmt.Errorf("fetcher.retry.base_delay must be greater than 0")
	}
	if cfg.Fetcher.Retry.MaxDelay < cfg.Fetcher.Retry.BaseDelay {
		return fmt.Errorf("fetcher.retry.max_delay must be >= base_delay")
	}

	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than 0")
	}
	if cfg.Scheduler.PriorityN <= 0 {
		return fmt.Errorf("scheduler.priority_n must be greater than 0")
	}
	if cfg.Scheduler.DailyBars < 15 {
		return fmt.Errorf("scheduler.daily_bars must be at least 15 for RSI-14")
	}
	switch cfg.Scheduler.Ranking {
	case "market_cap", "volume":
	default:
		return fmt.Errorf("scheduler.ranking must be market_cap or volume")
	}

	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than 0")
	}
	switch cfg.Cache.Backend {
	case "sqlite":
		if cfg.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the sqlite backend")
		}
	case "file":
		if cfg.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for the file backend")
		}
	default:
		return fmt.Errorf("cache.backend must be sqlite or file")
	}

	if cfg.Channels.TickerBuffer <= 0 {
		return fmt.Errorf("channels.ticker_buffer must be greater than 0")
	}

	return nil
}

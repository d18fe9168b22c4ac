package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Pricecore      PricecoreConfig      `yaml:"pricecore"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Symbols        []string             `yaml:"symbols"`
	Cache          CacheConfig          `yaml:"cache"`
	Supervisor     SupervisorConfig     `yaml:"supervisor"`
	Synthetic      SyntheticConfig      `yaml:"synthetic"`
	Events         EventsConfig         `yaml:"events"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	Status         StatusConfig         `yaml:"status"`
	Logging        LoggingConfig        `yaml:"logging"`
}

type PricecoreConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	RESTURL   string          `yaml:"rest_url"`
	WSURL     string          `yaml:"ws_url"`
	APIKey    string          `yaml:"api_key"`
	UserAgent string          `yaml:"user_agent"`
	Timeout   time.Duration   `yaml:"timeout"`
	UseSDK    bool            `yaml:"use_sdk"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type CacheConfig struct {
	Freshness time.Duration `yaml:"freshness"`
}

type SupervisorConfig struct {
	ReconnectInterval       time.Duration `yaml:"reconnect_interval"`
	MaxRetriesPerRoute      int           `yaml:"max_retries_per_route"`
	MaxConsecutiveFailures  int           `yaml:"max_consecutive_failures"`
	DegradedGrace           time.Duration `yaml:"degraded_grace"`
	SimulationRetryInterval time.Duration `yaml:"simulation_retry_interval"`
	HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`
}

type SyntheticConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxStep           float64       `yaml:"max_step"`
	ReversionStrength float64       `yaml:"reversion_strength"`
	ReversionPeriod   time.Duration `yaml:"reversion_period"`
}

type EventsConfig struct {
	QueueSize         int     `yaml:"queue_size"`
	SignificantChange float64 `yaml:"significant_change"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
	CloudWatch     bool          `yaml:"cloudwatch"`
	Region         string        `yaml:"region"`
	Namespace      string        `yaml:"namespace"`
	DashboardName  string        `yaml:"dashboard_name"`
}

// Default returns the configuration used for any key the YAML file omits.
func Default() Config {
	return Config{
		Pricecore: PricecoreConfig{Name: "pricecore", Version: "dev"},
		Exchange: ExchangeConfig{
			RESTURL:   "https://api.binance.com",
			WSURL:     "wss://stream.binance.com:9443/ws",
			UserAgent: "pricecore/1.0",
			Timeout:   10 * time.Second,
			UseSDK:    true,
			RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 20},
		},
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
		Cache:   CacheConfig{Freshness: 60 * time.Second},
		Supervisor: SupervisorConfig{
			ReconnectInterval:       5 * time.Second,
			MaxRetriesPerRoute:      3,
			MaxConsecutiveFailures:  10,
			DegradedGrace:           2 * time.Second,
			SimulationRetryInterval: 30 * time.Second,
			HandshakeTimeout:        10 * time.Second,
		},
		Synthetic: SyntheticConfig{
			Interval:          time.Second,
			MaxStep:           0.005,
			ReversionStrength: 0.1,
			ReversionPeriod:   30 * time.Minute,
		},
		Events: EventsConfig{QueueSize: 1024, SignificantChange: 0.01},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeout:     30 * time.Second,
			HalfOpenMaxRequests: 1,
		},
		Kafka:  KafkaConfig{Topic: "pricecore.prices"},
		Status: StatusConfig{Enabled: true, Addr: ":8090"},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
			Namespace:      "PriceCore",
			DashboardName:  "PriceCore",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PRICECORE_SYMBOLS"); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Symbols = symbols
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Logging.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Pricecore.Name == "" {
		return fmt.Errorf("pricecore.name is required")
	}

	if err := validateURL("exchange.rest_url", cfg.Exchange.RESTURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("exchange.ws_url", cfg.Exchange.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if cfg.Exchange.Timeout <= 0 {
		return fmt.Errorf("exchange.timeout must be greater than 0")
	}
	if cfg.Exchange.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("exchange.rate_limit.requests_per_second must be greater than 0")
	}

	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one symbol")
	}

	if cfg.Cache.Freshness <= 0 {
		return fmt.Errorf("cache.freshness must be greater than 0")
	}

	if cfg.Supervisor.ReconnectInterval <= 0 {
		return fmt.Errorf("supervisor.reconnect_interval must be greater than 0")
	}
	if cfg.Supervisor.MaxRetriesPerRoute <= 0 {
		return fmt.Errorf("supervisor.max_retries_per_route must be greater than 0")
	}
	if cfg.Supervisor.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("supervisor.max_consecutive_failures must be greater than 0")
	}

	if cfg.Synthetic.Interval <= 0 {
		return fmt.Errorf("synthetic.interval must be greater than 0")
	}
	if cfg.Synthetic.MaxStep <= 0 || cfg.Synthetic.MaxStep >= 1 {
		return fmt.Errorf("synthetic.max_step must be between 0 and 1")
	}

	if cfg.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be greater than 0")
	}
	if cfg.Events.SignificantChange <= 0 {
		return fmt.Errorf("events.significant_change must be greater than 0")
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v", key, schemes)
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Candleflow CandleflowConfig `yaml:"candleflow"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Fetcher    FetcherConfig    `yaml:"fetcher"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type CandleflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FetcherConfig struct {
	// LockTimeout bounds the distributed-lock TTL guarding the shared
	// rate-limit scalars.
	LockTimeout time.Duration             `yaml:"lock_timeout"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
}

type ExchangeConfig struct {
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	Period          time.Duration `yaml:"period"`
	MaxConnections  int           `yaml:"max_connections"`
	Limit           int           `yaml:"limit"`
	ConsumeBatch    int           `yaml:"consume_batch"`
	// WeightLimit is the REQUEST_WEIGHT budget for venues that meter
	// one; zero disables the weight gate.
	WeightLimit int64 `yaml:"weight_limit"`
	// LocalRPS caps one process's request rate under the shared
	// limiter; zero disables the cap.
	LocalRPS float64 `yaml:"local_rps"`
}

type MetricsConfig struct {
	UsedWeight bool `yaml:"used_weight"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// defaultConfigPath is used when no --config flag is given; production
// and staging deployments keep their own files next to it.
const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			UsedWeight: true,
		},
		Fetcher: FetcherConfig{
			LockTimeout: 5 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Redis.Password = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Candleflow.Name == "" {
		return fmt.Errorf("candleflow.name is required")
	}

	if cfg.Candleflow.Version == "" {
		return fmt.Errorf("candleflow.version is required")
	}

	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if env := getAppEnvironment(); IsProductionLike(env) && cfg.Logging.DashboardName == "" {
		return fmt.Errorf("logging.dashboard_name is required when APP_ENV is %s", env)
	}

	if cfg.Fetcher.LockTimeout <= 0 {
		return fmt.Errorf("fetcher.lock_timeout must be greater than 0")
	}
	if len(cfg.Fetcher.Exchanges) == 0 {
		return fmt.Errorf("fetcher.exchanges must configure at least one exchange")
	}

	for name, ex := range cfg.Fetcher.Exchanges {
		if ex.RateLimitPerMin <= 0 {
			return fmt.Errorf("fetcher.exchanges.%s.rate_limit_per_min must be greater than 0", name)
		}
		if ex.Period <= 0 {
			return fmt.Errorf("fetcher.exchanges.%s.period must be greater than 0", name)
		}
		if ex.MaxConnections <= 0 {
			return fmt.Errorf("fetcher.exchanges.%s.max_connections must be greater than 0", name)
		}
		if ex.Limit <= 0 {
			return fmt.Errorf("fetcher.exchanges.%s.limit must be greater than 0", name)
		}
		if ex.ConsumeBatch <= 0 {
			return fmt.Errorf("fetcher.exchanges.%s.consume_batch must be greater than 0", name)
		}
	}

	return nil
}

// Exchange returns the tuning block for one exchange.
func (c *Config) Exchange(name string) (ExchangeConfig, error) {
	ex, ok := c.Fetcher.Exchanges[name]
	if !ok {
		return ExchangeConfig{}, fmt.Errorf("exchange %q is not configured", name)
	}
	return ex, nil
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// BacktestServiceConfig configures the surrounding backtest service: its
// Postgres pool, candle cache, and exchange fetch job. It is distinct from
// BacktestConfig (a single run's frozen parameters, constructed by its
// caller and never loaded from viper).
type BacktestServiceConfig struct {
	Database  BacktestDatabaseConfig  `mapstructure:"database"`
	Redis     BacktestRedisConfig     `mapstructure:"redis"`
	Exchange  BacktestExchangeConfig  `mapstructure:"exchange"`
	FetchJob  BacktestFetchJobConfig  `mapstructure:"fetch_job"`
}

// BacktestDatabaseConfig holds the Postgres pool sizing for run/trade/candle
// persistence.
type BacktestDatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// BacktestRedisConfig holds the candle cache's Redis connection and TTL.
type BacktestRedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// BacktestExchangeConfig holds the credentials and rate limits used when
// backfilling historical candles from the exchange.
type BacktestExchangeConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	SecretKey       string  `mapstructure:"secret_key"`
	Testnet         bool    `mapstructure:"testnet"`
	RequestsPerSec  float64 `mapstructure:"requests_per_sec"`
	Burst           int     `mapstructure:"burst"`
}

// BacktestFetchJobConfig holds the fetch job's worker pool and circuit
// breaker tuning, layered on top of BacktestExchangeConfig's rate limits.
type BacktestFetchJobConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	BreakerMinReqs  uint32        `mapstructure:"breaker_min_requests"`
	BreakerFailRate float64       `mapstructure:"breaker_fail_rate"`
	BreakerOpenFor  time.Duration `mapstructure:"breaker_open_for"`
}

// LoadBacktestServiceConfig loads the backtest service's settings through
// viper (env prefix, config file search path, defaults-then-override).
func LoadBacktestServiceConfig(configPath string) (*BacktestServiceConfig, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("backtest")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FUTURESCAST_BACKTEST")

	setBacktestServiceDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read backtest service config: %w", err)
		}
	}

	var cfg BacktestServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backtest service config: %w", err)
	}
	return &cfg, nil
}

func setBacktestServiceDefaults(v *viper.Viper) {
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 10*time.Minute)

	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.requests_per_sec", 10.0)
	v.SetDefault("exchange.burst", 20)

	v.SetDefault("fetch_job.concurrency", 48)
	v.SetDefault("fetch_job.breaker_min_requests", 5)
	v.SetDefault("fetch_job.breaker_fail_rate", 0.6)
	v.SetDefault("fetch_job.breaker_open_for", 30*time.Second)
}

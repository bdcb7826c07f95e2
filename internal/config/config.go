// Package config loads exchange settings from config/exchange.yaml and
// EXCHANGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olyamironova/matching-engine/internal/core"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "EXCHANGE"

type Config struct {
	Symbol    string          `mapstructure:"symbol"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type EngineConfig struct {
	PriceScale       int32  `mapstructure:"price_scale"`
	TickSize         string `mapstructure:"tick_size"`
	SelfTradePolicy  string `mapstructure:"self_trade_policy"`
	VerifyInvariants bool   `mapstructure:"verify_invariants"`
	RetiredHistory   int    `mapstructure:"retired_history"`
	QueueSize        int    `mapstructure:"queue_size"`
}

// PostgresConfig enables the postgres audit log when DSN is set.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig enables the redis depth cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NATSConfig enables the NATS trade feed when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type AccountsConfig struct {
	InitialBalance string `mapstructure:"initial_balance"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("symbol", "DEFAULT")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("metrics.addr", ":2112")
	v.SetDefault("log.level", "info")
	v.SetDefault("engine.price_scale", 2)
	v.SetDefault("engine.tick_size", "0.01")
	v.SetDefault("engine.self_trade_policy", "rest")
	v.SetDefault("engine.verify_invariants", false)
	v.SetDefault("engine.retired_history", 100000)
	v.SetDefault("engine.queue_size", 1024)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "exchange.trades")
	v.SetDefault("accounts.initial_balance", "1000")
	v.SetDefault("ratelimit.rps", 50.0)
	v.SetDefault("ratelimit.burst", 100)
}

// Load reads config/<name>.yaml (or ./<name>.yaml) when present, then applies
// environment overrides such as EXCHANGE_HTTP_ADDR for http.addr.
func Load(name string, paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("config: symbol is required")
	}
	if _, err := c.Engine.Core(c.Symbol); err != nil {
		return err
	}
	if _, err := decimal.NewFromString(c.Accounts.InitialBalance); err != nil {
		return fmt.Errorf("config: accounts.initial_balance: %w", err)
	}
	if c.Engine.QueueSize <= 0 {
		return errors.New("config: engine.queue_size must be > 0")
	}
	return nil
}

// Core converts the engine section into matching engine settings.
func (e EngineConfig) Core(symbol string) (core.Config, error) {
	policy, err := core.ParseSelfTradePolicy(e.SelfTradePolicy)
	if err != nil {
		return core.Config{}, fmt.Errorf("config: engine.self_trade_policy: %w", err)
	}
	tick := decimal.Zero
	if e.TickSize != "" {
		if tick, err = decimal.NewFromString(e.TickSize); err != nil {
			return core.Config{}, fmt.Errorf("config: engine.tick_size: %w", err)
		}
	}
	if e.PriceScale < 0 {
		return core.Config{}, fmt.Errorf("config: engine.price_scale %d must be >= 0", e.PriceScale)
	}
	if !tick.Truncate(e.PriceScale).Equal(tick) {
		return core.Config{}, fmt.Errorf("config: tick size %s is finer than price scale %d", tick, e.PriceScale)
	}
	return core.Config{
		Symbol:           symbol,
		SelfTradePolicy:  policy,
		PriceScale:       e.PriceScale,
		TickSize:         tick,
		VerifyInvariants: e.VerifyInvariants,
		RetiredHistory:   e.RetiredHistory,
	}, nil
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradeflow-monitor/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Filter    FilterConfig    `yaml:"filter"`
	Trades    TradesConfig    `yaml:"trades"`
	Feed      FeedConfig      `yaml:"feed"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Log       logger.Config   `yaml:"log"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`        // 订阅者 WS / healthz 监听地址
	MetricsAddr string `yaml:"metricsAddr"` // Prometheus 监听地址，留空则关闭
}

// APIConfig 行情 REST 接口（24h ticker / klines）。
type APIConfig struct {
	BaseURL           string        `yaml:"baseURL"`
	RetryAttempts     int           `yaml:"retryAttempts"`     // API_RETRY_ATTEMPTS
	RetryDelay        time.Duration `yaml:"retryDelay"`        // API_RETRY_DELAY，指数退避起点
	Timeout           time.Duration `yaml:"timeout"`           // API_TIMEOUT
	RateLimitDelay    time.Duration `yaml:"rateLimitDelay"`    // API_RATE_LIMIT_DELAY，批次之间的间隔
	RequestsPerSecond float64       `yaml:"requestsPerSecond"` // 令牌桶速率
	Burst             int           `yaml:"burst"`
}

// FilterConfig 标的筛选参数。
type FilterConfig struct {
	MinVol              float64       `yaml:"minVol"`            // MIN_VOL
	MaxVol              float64       `yaml:"maxVol"`            // MAX_VOL
	MinNATR             float64       `yaml:"minNatr"`           // MIN_NATR
	MinPriceChange24h   float64       `yaml:"minPriceChange24h"` // MIN_PRICE_CHANGE_24H (%)
	QuoteAsset          string        `yaml:"quoteAsset"`
	ExcludePatterns     []string      `yaml:"excludePatterns"`
	BatchSize           int           `yaml:"batchSize"`
	IncrementalInterval time.Duration `yaml:"incrementalInterval"`
	FullInterval        time.Duration `yaml:"fullInterval"`
	DefaultSymbols      []string      `yaml:"defaultSymbols"` // 行情快照不可用时的兜底集合
}

type TradesConfig struct {
	MinVolumeUSD float64       `yaml:"minVolumeUsd"` // MIN_VOLUME_USD
	TimeWindow   time.Duration `yaml:"timeWindow"`   // TIME_WINDOW
}

// FeedConfig 上游成交流与断线重连。
type FeedConfig struct {
	WSEndpoint            string        `yaml:"wsEndpoint"`
	ReconnectAttempts     int           `yaml:"reconnectAttempts"` // RECONNECT_ATTEMPTS
	ReconnectBaseDelay    time.Duration `yaml:"reconnectBaseDelay"`
	FallbackRetryInterval time.Duration `yaml:"fallbackRetryInterval"`
	SyntheticMinInterval  time.Duration `yaml:"syntheticMinInterval"`
	SyntheticMaxInterval  time.Duration `yaml:"syntheticMaxInterval"`
	ReadTimeout           time.Duration `yaml:"readTimeout"`
}

type BroadcastConfig struct {
	SummaryInterval time.Duration `yaml:"summaryInterval"` // SUMMARY_INTERVAL
	ClientQueueSize int           `yaml:"clientQueueSize"`
}

// Default returns the built-in configuration; values loaded from YAML override it.
func Default() AppConfig {
	return AppConfig{
		Env: "prod",
		Server: ServerConfig{
			Addr:        ":3000",
			MetricsAddr: ":9100",
		},
		API: APIConfig{
			BaseURL:           "https://api.binance.com",
			RetryAttempts:     2,
			RetryDelay:        2 * time.Second,
			Timeout:           5 * time.Second,
			RateLimitDelay:    time.Second,
			RequestsPerSecond: 20,
			Burst:             20,
		},
		Filter: FilterConfig{
			MinVol:              100_000,
			MaxVol:              1_000_000_000,
			MinNATR:             0.45,
			MinPriceChange24h:   -5,
			QuoteAsset:          "USDT",
			ExcludePatterns:     []string{"1000", "(UP|DOWN|BULL|BEAR)USDT$"},
			BatchSize:           15,
			IncrementalInterval: 5 * time.Minute,
			FullInterval:        2 * time.Minute,
		},
		Trades: TradesConfig{
			MinVolumeUSD: 500,
			TimeWindow:   60 * time.Second,
		},
		Feed: FeedConfig{
			WSEndpoint:            "wss://stream.binance.com:9443",
			ReconnectAttempts:     2,
			ReconnectBaseDelay:    5 * time.Second,
			FallbackRetryInterval: 30 * time.Second,
			SyntheticMinInterval:  200 * time.Millisecond,
			SyntheticMaxInterval:  1500 * time.Millisecond,
			ReadTimeout:           60 * time.Second,
		},
		Broadcast: BroadcastConfig{
			SummaryInterval: time.Second,
			ClientQueueSize: 256,
		},
		Log: logger.DefaultConfig(),
	}
}

// Load reads YAML config from path on top of Default and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config (an empty path means defaults only) then
// overrides tunables from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig, lookup func(string) (string, bool)) error {
	floats := map[string]*float64{
		"MIN_VOL":              &cfg.Filter.MinVol,
		"MAX_VOL":              &cfg.Filter.MaxVol,
		"MIN_NATR":             &cfg.Filter.MinNATR,
		"MIN_PRICE_CHANGE_24H": &cfg.Filter.MinPriceChange24h,
		"MIN_VOLUME_USD":       &cfg.Trades.MinVolumeUSD,
	}
	for key, dst := range floats {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = f
		}
	}
	ints := map[string]*int{
		"RECONNECT_ATTEMPTS": &cfg.Feed.ReconnectAttempts,
		"API_RETRY_ATTEMPTS": &cfg.API.RetryAttempts,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"TIME_WINDOW":          &cfg.Trades.TimeWindow,
		"SUMMARY_INTERVAL":     &cfg.Broadcast.SummaryInterval,
		"API_RETRY_DELAY":      &cfg.API.RetryDelay,
		"API_TIMEOUT":          &cfg.API.Timeout,
		"API_RATE_LIMIT_DELAY": &cfg.API.RateLimitDelay,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = d
		}
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.Addr = ":" + strings.TrimSpace(v)
	}
	return nil
}

// ParseDuration accepts Go duration syntax ("1.5s") or a bare integer in milliseconds.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// CompileExcludes compiles the symbol exclude patterns.
func (f FilterConfig) CompileExcludes() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(f.ExcludePatterns))
	for _, p := range f.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

package config

import (
	"errors"
	"fmt"
)

// Validate ensures required fields are present and ranges make sense.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.API.BaseURL == "" {
		return errors.New("api.baseURL is required")
	}
	if cfg.API.RetryAttempts < 1 {
		return errors.New("api.retryAttempts must be >= 1")
	}
	if cfg.API.RetryDelay < 0 || cfg.API.RateLimitDelay < 0 {
		return errors.New("api delays must be >= 0")
	}
	if cfg.API.Timeout <= 0 {
		return errors.New("api.timeout must be > 0")
	}
	if cfg.Filter.MinVol < 0 || cfg.Filter.MaxVol < cfg.Filter.MinVol {
		return fmt.Errorf("filter volume range [%v, %v] invalid", cfg.Filter.MinVol, cfg.Filter.MaxVol)
	}
	if cfg.Filter.MinNATR < 0 {
		return errors.New("filter.minNatr must be >= 0")
	}
	if cfg.Filter.QuoteAsset == "" {
		return errors.New("filter.quoteAsset is required")
	}
	if cfg.Filter.BatchSize <= 0 {
		return errors.New("filter.batchSize must be > 0")
	}
	if cfg.Filter.IncrementalInterval <= 0 || cfg.Filter.FullInterval <= 0 {
		return errors.New("filter intervals must be > 0")
	}
	if _, err := cfg.Filter.CompileExcludes(); err != nil {
		return err
	}
	if cfg.Trades.MinVolumeUSD < 0 {
		return errors.New("trades.minVolumeUsd must be >= 0")
	}
	if cfg.Trades.TimeWindow <= 0 {
		return errors.New("trades.timeWindow must be > 0")
	}
	if cfg.Feed.WSEndpoint == "" {
		return errors.New("feed.wsEndpoint is required")
	}
	if cfg.Feed.ReconnectAttempts < 1 {
		return errors.New("feed.reconnectAttempts must be >= 1")
	}
	if cfg.Feed.ReconnectBaseDelay <= 0 || cfg.Feed.FallbackRetryInterval <= 0 {
		return errors.New("feed delays must be > 0")
	}
	if cfg.Feed.SyntheticMinInterval <= 0 || cfg.Feed.SyntheticMaxInterval < cfg.Feed.SyntheticMinInterval {
		return errors.New("feed synthetic interval range invalid")
	}
	if cfg.Broadcast.SummaryInterval <= 0 {
		return errors.New("broadcast.summaryInterval must be > 0")
	}
	if cfg.Broadcast.ClientQueueSize <= 0 {
		return errors.New("broadcast.clientQueueSize must be > 0")
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"tradeflow-monitor/config"
	"tradeflow-monitor/gateway"
	"tradeflow-monitor/internal/screener"
	"tradeflow-monitor/internal/store"
)

// 一次性执行筛选，打印通过预筛的标的及其 NATR
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	timeout := flag.Duration("timeout", 2*time.Minute, "扫描超时")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	filter, err := screener.FilterFromConfig(cfg.Filter)
	if err != nil {
		log.Fatalf("筛选条件无效: %v", err)
	}

	client := &gateway.BinanceRESTClient{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: gateway.NewDefaultHTTPClient(cfg.API.Timeout),
		Limiter:    gateway.NewRateLimiter(cfg.API.RequestsPerSecond, cfg.API.Burst),
		Timeout:    cfg.API.Timeout,
	}
	st := store.New(cfg.Trades.TimeWindow, cfg.Filter.MinNATR)
	r := screener.New(client, st, nil, filter, screener.Options{
		BatchSize:      cfg.Filter.BatchSize,
		BatchDelay:     cfg.API.RateLimitDelay,
		RetryAttempts:  cfg.API.RetryAttempts,
		RetryDelay:     cfg.API.RetryDelay,
		DefaultSymbols: cfg.Filter.DefaultSymbols,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	eligible, err := r.Scan(ctx)
	if err != nil {
		log.Printf("扫描失败，使用回退列表: %v", err)
	}

	for _, e := range st.ActiveInstruments() {
		fmt.Printf("%-14s NATR=%.2f%% 价格=%g\n", e.Symbol, e.NATR, e.LastPrice)
	}
	fmt.Printf("共 %d 个标的满足条件 (NATR >= %.2f)\n", len(eligible), cfg.Filter.MinNATR)
}

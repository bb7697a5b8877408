package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tradeflow-monitor/config"
	"tradeflow-monitor/gateway"
	"tradeflow-monitor/infrastructure/logger"
	"tradeflow-monitor/internal/engine"
	"tradeflow-monitor/internal/feed"
	"tradeflow-monitor/internal/hub"
	"tradeflow-monitor/internal/screener"
	"tradeflow-monitor/internal/store"
	"tradeflow-monitor/metrics"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger *logger.Logger

	// 交易所网关
	restClient *gateway.BinanceRESTClient
	dialer     *gateway.TradeStreamDialer

	// 核心服务
	store      *store.Store
	registry   *hub.Registry
	engine     *engine.FlowEngine
	supervisor *feed.Supervisor
	screener   *screener.Refresher

	// HTTP服务器
	apiServer     *httpServerComponent
	metricsServer *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 加载配置并创建 Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不做热更新。
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	c.buildGateway()
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	c.registerLifecycleComponents()
	c.logger.Info("container built", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	return nil
}

func (c *Container) buildGateway() {
	c.restClient = &gateway.BinanceRESTClient{
		BaseURL:    c.cfg.API.BaseURL,
		HTTPClient: gateway.NewDefaultHTTPClient(c.cfg.API.Timeout),
		Limiter:    gateway.NewRateLimiter(c.cfg.API.RequestsPerSecond, c.cfg.API.Burst),
		Timeout:    c.cfg.API.Timeout,
	}
	c.dialer = gateway.NewTradeStreamDialer(c.cfg.Feed.WSEndpoint, c.cfg.Feed.ReadTimeout)
}

func (c *Container) buildCoreServices() error {
	c.store = store.New(c.cfg.Trades.TimeWindow, c.cfg.Filter.MinNATR)
	c.registry = hub.NewRegistry(c.logger.Component("hub"))

	var err error
	c.engine, err = engine.New(engine.Config{
		SummaryInterval: c.cfg.Broadcast.SummaryInterval,
		MinVolumeUSD:    c.cfg.Trades.MinVolumeUSD,
		QuoteAsset:      c.cfg.Filter.QuoteAsset,
	}, engine.Components{
		Store:     c.store,
		Publisher: c.registry,
		Logger:    c.logger.Component("engine"),
	})
	if err != nil {
		return err
	}

	synth := feed.NewSyntheticGenerator(feed.SyntheticConfig{
		MinInterval:  c.cfg.Feed.SyntheticMinInterval,
		MaxInterval:  c.cfg.Feed.SyntheticMaxInterval,
		MinVolumeUSD: c.cfg.Trades.MinVolumeUSD,
	}, c.store, uint64(time.Now().UnixNano()))
	c.supervisor = feed.NewSupervisor(feed.Config{
		ReconnectAttempts:     c.cfg.Feed.ReconnectAttempts,
		BaseDelay:             c.cfg.Feed.ReconnectBaseDelay,
		FallbackRetryInterval: c.cfg.Feed.FallbackRetryInterval,
	}, feed.BinanceDialer(c.dialer), c.engine, synth, c.logger.Component("feed"))
	c.supervisor.SetOnConnected(c.engine.OnConnected)

	filter, err := screener.FilterFromConfig(c.cfg.Filter)
	if err != nil {
		return err
	}
	c.screener = screener.New(c.restClient, c.store, c.supervisor, filter, screener.Options{
		BatchSize:           c.cfg.Filter.BatchSize,
		BatchDelay:          c.cfg.API.RateLimitDelay,
		RetryAttempts:       c.cfg.API.RetryAttempts,
		RetryDelay:          c.cfg.API.RetryDelay,
		IncrementalInterval: c.cfg.Filter.IncrementalInterval,
		FullInterval:        c.cfg.Filter.FullInterval,
		DefaultSymbols:      c.cfg.Filter.DefaultSymbols,
	}, c.logger.Component("screener"))
	return nil
}

func (c *Container) registerLifecycleComponents() {
	log := c.logger.Component("lifecycle")

	mux := http.NewServeMux()
	mux.Handle("/ws", &hub.Server{
		Registry:  c.registry,
		Greeting:  c.hello,
		QueueSize: c.cfg.Broadcast.ClientQueueSize,
		Logger:    c.logger.Component("hub"),
	})
	mux.HandleFunc("/healthz", c.healthHandler)
	c.apiServer = &httpServerComponent{name: "api_server", handler: mux, addr: c.cfg.Server.Addr, logger: log}
	c.lifecycle.Register(c.apiServer)

	if c.cfg.Server.MetricsAddr != "" {
		c.metricsServer = &httpServerComponent{
			name:    "metrics_server",
			handler: metrics.Handler(),
			addr:    c.cfg.Server.MetricsAddr,
			logger:  log,
		}
		c.lifecycle.Register(c.metricsServer)
	}

	c.lifecycle.Register(&engineComponent{engine: c.engine})
	c.lifecycle.Register(newRunComponent("supervisor", c.supervisor.Run, log))
	c.lifecycle.Register(newRunComponent("screener", c.screener.Run, log))

	if c.configPath != "" {
		w := config.Watcher{Path: c.configPath, Logger: c.logger.Component("config")}
		c.lifecycle.Register(newRunComponent("config_watcher", func(ctx context.Context) error {
			return w.Start(ctx, c.applyConfig)
		}, log))
	}
}

// applyConfig 热更新阈值类参数；连接与调度参数需要重启生效。
func (c *Container) applyConfig(cfg config.AppConfig) {
	filter, err := screener.FilterFromConfig(cfg.Filter)
	if err != nil {
		c.logger.Warn("reloaded filter rejected", zap.Error(err))
		return
	}
	c.store.SetMinNATR(cfg.Filter.MinNATR)
	c.engine.SetMinVolumeUSD(cfg.Trades.MinVolumeUSD)
	c.screener.SetFilter(filter)
	c.logger.LogEvent("config_applied", map[string]interface{}{
		"min_natr":       cfg.Filter.MinNATR,
		"min_volume_usd": cfg.Trades.MinVolumeUSD,
		"min_vol":        cfg.Filter.MinVol,
		"max_vol":        cfg.Filter.MaxVol,
	})
}

func (c *Container) hello() any {
	return engine.HelloMessage{
		Type:      engine.TypeHello,
		State:     c.supervisor.State().String(),
		Summaries: c.engine.Summaries(time.Now()),
	}
}

// HealthReport /healthz 的响应体
type HealthReport struct {
	Status      string `json:"status"`
	Feed        string `json:"feed"`
	Symbols     int    `json:"symbols"`
	Ledgers     int    `json:"ledgers"`
	Subscribers int    `json:"subscribers"`
	Error       string `json:"error,omitempty"`
}

// Health 汇总当前运行状态；feed 未连接时为 degraded。
func (c *Container) Health() HealthReport {
	rep := HealthReport{
		Status:      "ok",
		Feed:        c.supervisor.State().String(),
		Symbols:     len(c.supervisor.Symbols()),
		Ledgers:     c.store.Len(),
		Subscribers: c.registry.Len(),
	}
	if err := c.lifecycle.CheckHealth(); err != nil {
		rep.Status = "down"
		rep.Error = err.Error()
		return rep
	}
	if c.supervisor.State() != feed.StateConnected {
		rep.Status = "degraded"
	}
	return rep
}

func (c *Container) healthHandler(w http.ResponseWriter, _ *http.Request) {
	rep := c.Health()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == "down" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.registry.CloseAll()
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Summaries 当前窗口内所有活跃标的的汇总
func (c *Container) Summaries() []engine.SummaryMessage {
	return c.engine.Summaries(time.Now())
}

// Logger 返回根 logger
func (c *Container) Logger() *logger.Logger {
	return c.logger
}

// APIAddr 订阅者服务实际监听地址
func (c *Container) APIAddr() string {
	return c.apiServer.Addr()
}

// engineComponent 适配 FlowEngine 到 Lifecycle
type engineComponent struct {
	engine *engine.FlowEngine
}

func (e *engineComponent) Name() string { return "engine" }

func (e *engineComponent) Start(ctx context.Context) error { return e.engine.Start(ctx) }

func (e *engineComponent) Stop() error { return e.engine.Stop() }

func (e *engineComponent) Health() error {
	if st := e.engine.GetState(); st != engine.StateRunning {
		return fmt.Errorf("engine %s", st)
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tradeflow-monitor/internal/store"
	"tradeflow-monitor/market"
	"tradeflow-monitor/metrics"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Publisher fans a message out to every subscriber without blocking and reports
// how many accepted it.
type Publisher interface {
	Broadcast(v any) int
}

// Config 引擎配置
type Config struct {
	SummaryInterval time.Duration // summary 广播间隔
	MinVolumeUSD    float64       // 低于该成交额的成交直接丢弃
	QuoteAsset      string        // 展示时去掉的计价币后缀
}

// Components 引擎依赖组件
type Components struct {
	Store     *store.Store
	Publisher Publisher
	Logger    *zap.Logger
}

// FlowEngine ingests trades into the windowed store and publishes pattern and
// summary messages.
type FlowEngine struct {
	config    Config
	store     *store.Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	minVolumeUSD atomic.Uint64 // math.Float64bits

	// 状态
	state EngineState
	mu    sync.RWMutex

	// 控制通道
	stopChan chan struct{}
	doneChan chan struct{}
	kick     chan struct{}

	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime      time.Time
	TotalTicks     int64
	TotalTrades    int64
	TotalPatterns  int64
	TotalSummaries int64
	TotalRejected  int64
	LastTickTime   time.Time
	LastTradeTime  time.Time
	mu             sync.RWMutex
}

// New 创建引擎
func New(cfg Config, components Components) (*FlowEngine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = time.Second
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	e := &FlowEngine{
		config:    cfg,
		store:     components.Store,
		publisher: components.Publisher,
		logger:    components.Logger,
		now:       time.Now,
		state:     StateIdle,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}
	e.SetMinVolumeUSD(cfg.MinVolumeUSD)
	return e, nil
}

// SetMinVolumeUSD 热更新成交额阈值。
func (e *FlowEngine) SetMinVolumeUSD(v float64) {
	e.minVolumeUSD.Store(math.Float64bits(v))
}

// MinVolumeUSD returns the current notional threshold.
func (e *FlowEngine) MinVolumeUSD() float64 {
	return math.Float64frombits(e.minVolumeUSD.Load())
}

// Start 启动 summary 循环
func (e *FlowEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	if e.state == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.stats.mu.Lock()
	e.stats.StartTime = time.Now()
	e.stats.mu.Unlock()

	e.logger.Info("flow engine starting",
		zap.Duration("summary_interval", e.config.SummaryInterval),
		zap.Float64("min_volume_usd", e.MinVolumeUSD()))

	go e.run(ctx)
	return nil
}

// Stop 停止引擎，幂等
func (e *FlowEngine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	select {
	case <-e.doneChan:
	case <-time.After(10 * time.Second):
		e.logger.Warn("timeout waiting for engine to stop")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.logger.Info("flow engine stopped")
	return nil
}

// run 主事件循环
func (e *FlowEngine) run(ctx context.Context) {
	defer close(e.doneChan)

	ticker := time.NewTicker(e.config.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.Tick(e.now())
		case <-e.kick:
			e.Tick(e.now())
		}
	}
}

// OnConnected 上游（重新）连接后立即推送一轮 summary，不阻塞调用方。
func (e *FlowEngine) OnConnected() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// OnTrade 单笔成交入口：过滤、入账、立即推送 pattern。
func (e *FlowEngine) OnTrade(t market.Trade) {
	source := "live"
	if t.Synthetic {
		source = "synthetic"
	}
	if t.Price <= 0 || t.Qty <= 0 {
		e.reject("invalid")
		return
	}
	volumeUSD := t.VolumeUSD()
	if volumeUSD < e.MinVolumeUSD() {
		e.reject("below_min_volume")
		return
	}

	now := e.now()
	side := t.Side()
	stats, err := e.store.Record(t.Symbol, side, volumeUSD, t.Ts.UnixMilli(), t.TradeID, now.UnixMilli())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInactive):
			e.reject("inactive")
		case errors.Is(err, store.ErrStale):
			e.reject("stale")
		case errors.Is(err, store.ErrDuplicate):
			e.reject("duplicate")
		default:
			e.reject("error")
			e.logger.Warn("record trade failed", zap.String("symbol", t.Symbol), zap.Error(err))
		}
		return
	}
	metrics.RecordTrade(side.String(), t.Synthetic)

	e.stats.mu.Lock()
	e.stats.TotalTrades++
	e.stats.TotalPatterns++
	e.stats.LastTradeTime = now
	e.stats.mu.Unlock()

	e.publisher.Broadcast(e.patternMessage(t, volumeUSD, stats))
	metrics.MessagesPublished.WithLabelValues(TypePattern).Inc()
	e.logger.Debug("pattern", zap.String("symbol", t.Symbol), zap.String("source", source),
		zap.Float64("volume_usd", volumeUSD))
}

// Tick 一次一致快照，逐个激活标的推送 summary。
func (e *FlowEngine) Tick(now time.Time) int {
	start := time.Now()
	summaries := e.Summaries(now)
	for i := range summaries {
		e.publisher.Broadcast(summaries[i])
	}
	metrics.MessagesPublished.WithLabelValues(TypeSummary).Add(float64(len(summaries)))
	metrics.TrackedLedgers.Set(float64(e.store.Len()))
	metrics.SummaryTickSeconds.Observe(time.Since(start).Seconds())

	e.stats.mu.Lock()
	e.stats.TotalTicks++
	e.stats.TotalSummaries += int64(len(summaries))
	e.stats.LastTickTime = now
	e.stats.mu.Unlock()
	return len(summaries)
}

// Summaries builds summary messages from one store snapshot.
func (e *FlowEngine) Summaries(now time.Time) []SummaryMessage {
	snap := e.store.SnapshotAll(now.UnixMilli())
	out := make([]SummaryMessage, 0, len(snap))
	for _, st := range snap {
		out = append(out, e.summaryMessage(st))
	}
	return out
}

func (e *FlowEngine) summaryMessage(st store.Stats) SummaryMessage {
	return SummaryMessage{
		Type:     TypeSummary,
		Symbol:   e.displaySymbol(st.Symbol),
		LSRatio:  market.FormatFixed2(st.CountRatio()),
		VolRatio: market.FormatFixed2(st.VolumeRatio()),
		TotalVol: market.FormatFixed2(st.TotalVolume()),
		BuyCnt:   st.BuyCount,
		SellCnt:  st.SellCount,
		AvgSize:  market.FormatFixed2(st.AvgSize()),
		NATR:     market.FormatFixed2(st.NATR),
		Delta:    market.FormatFixed2(st.NetDelta()),
	}
}

func (e *FlowEngine) patternMessage(t market.Trade, volumeUSD float64, st store.Stats) PatternMessage {
	ts := t.Ts.UTC()
	return PatternMessage{
		Type:          TypePattern,
		Symbol:        e.displaySymbol(t.Symbol),
		Time:          ts.Format("15:04:05"),
		TimeStamp:     ts.UnixMilli(),
		Price:         t.Price,
		VolumeUSD:     market.FormatFixed2(volumeUSD),
		Volume:        t.Qty,
		LSRatio:       market.FormatFixed2(st.VolumeRatio()),
		LSRatioTrades: market.FormatFixed2(st.CountRatio()),
	}
}

func (e *FlowEngine) displaySymbol(symbol string) string {
	trimmed := strings.TrimSuffix(symbol, e.config.QuoteAsset)
	if trimmed == "" {
		return symbol
	}
	return trimmed
}

func (e *FlowEngine) reject(reason string) {
	metrics.RecordReject(reason)
	e.stats.mu.Lock()
	e.stats.TotalRejected++
	e.stats.mu.Unlock()
}

// GetState 获取引擎状态
func (e *FlowEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *FlowEngine) GetStatistics() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Statistics{
		StartTime:      e.stats.StartTime,
		TotalTicks:     e.stats.TotalTicks,
		TotalTrades:    e.stats.TotalTrades,
		TotalPatterns:  e.stats.TotalPatterns,
		TotalSummaries: e.stats.TotalSummaries,
		TotalRejected:  e.stats.TotalRejected,
		LastTickTime:   e.stats.LastTickTime,
		LastTradeTime:  e.stats.LastTradeTime,
	}
}

// validateConfig 验证配置
func validateConfig(cfg Config) error {
	if cfg.SummaryInterval < 0 {
		return errors.New("summary_interval must be >= 0")
	}
	if cfg.MinVolumeUSD < 0 {
		return errors.New("min_volume_usd must be >= 0")
	}
	return nil
}

// validateComponents 验证组件
func validateComponents(comp Components) error {
	if comp.Store == nil {
		return errors.New("store is required")
	}
	if comp.Publisher == nil {
		return errors.New("publisher is required")
	}
	if comp.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

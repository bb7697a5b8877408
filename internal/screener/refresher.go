package screener

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"tradeflow-monitor/config"
	"tradeflow-monitor/gateway"
	"tradeflow-monitor/internal/store"
	"tradeflow-monitor/market"
	"tradeflow-monitor/metrics"
)

// KlineInterval NATR 使用 1 分钟 K 线。
const KlineInterval = "1m"

// MarketData is the read-only upstream the screener polls.
type MarketData interface {
	Ticker24h(ctx context.Context) ([]gateway.Ticker24h, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
}

// Subscription is the feed side of a refresh: the current set and a way to change it.
type Subscription interface {
	Symbols() []string
	Resubscribe(symbols []string)
}

// Filter 筛选条件，可热更新。
type Filter struct {
	MinVol            float64
	MaxVol            float64
	MinNATR           float64
	MinPriceChange24h float64
	QuoteAsset        string
	Excludes          []*regexp.Regexp
}

// FilterFromConfig compiles the configured exclude patterns.
func FilterFromConfig(fc config.FilterConfig) (Filter, error) {
	excludes, err := fc.CompileExcludes()
	if err != nil {
		return Filter{}, err
	}
	return Filter{
		MinVol:            fc.MinVol,
		MaxVol:            fc.MaxVol,
		MinNATR:           fc.MinNATR,
		MinPriceChange24h: fc.MinPriceChange24h,
		QuoteAsset:        fc.QuoteAsset,
		Excludes:          excludes,
	}, nil
}

// Match reports whether a ticker passes the 24h pre-filter.
func (f Filter) Match(t gateway.Ticker24h) bool {
	if f.QuoteAsset != "" && !strings.HasSuffix(t.Symbol, f.QuoteAsset) {
		return false
	}
	if t.QuoteVolume < f.MinVol || t.QuoteVolume > f.MaxVol {
		return false
	}
	if t.PriceChangePercent < f.MinPriceChange24h {
		return false
	}
	for _, re := range f.Excludes {
		if re.MatchString(t.Symbol) {
			return false
		}
	}
	return true
}

// Options 调度与重试参数。
type Options struct {
	BatchSize           int
	BatchDelay          time.Duration // API_RATE_LIMIT_DELAY
	RetryAttempts       int
	RetryDelay          time.Duration
	IncrementalInterval time.Duration
	FullInterval        time.Duration
	DefaultSymbols      []string
}

// Refresher periodically recomputes the eligible instrument set and writes NATR
// metadata into the store.
type Refresher struct {
	api    MarketData
	store  *store.Store
	sub    Subscription
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	filter   Filter
	lastGood []string
}

func New(api MarketData, st *store.Store, sub Subscription, filter Filter, opts Options, logger *zap.Logger) *Refresher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 15
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.FullInterval <= 0 {
		opts.FullInterval = 2 * time.Minute
	}
	if opts.IncrementalInterval <= 0 {
		opts.IncrementalInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		api:    api,
		store:  st,
		sub:    sub,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
		filter: filter,
	}
}

// SetFilter 热更新筛选条件，下个周期生效。
func (r *Refresher) SetFilter(f Filter) {
	r.mu.Lock()
	r.filter = f
	r.mu.Unlock()
}

func (r *Refresher) currentFilter() Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter
}

// Scan runs one screening cycle and returns the eligible symbols, sorted.
// When the 24h snapshot cannot be fetched the cached (or default) set is returned
// together with the error.
func (r *Refresher) Scan(ctx context.Context) ([]string, error) {
	tickers, err := r.fetchTickers(ctx)
	if err != nil {
		fallback := r.fallbackSet()
		r.scoreFallback(ctx, fallback)
		return fallback, fmt.Errorf("ticker snapshot: %w", err)
	}
	f := r.currentFilter()
	candidates := make([]gateway.Ticker24h, 0, len(tickers))
	for _, t := range tickers {
		if f.Match(t) {
			candidates = append(candidates, t)
		}
	}
	r.logger.Debug("prefilter", zap.Int("tickers", len(tickers)), zap.Int("candidates", len(candidates)))

	var (
		mu       sync.Mutex
		eligible []string
	)
	for i := 0; i < len(candidates); i += r.opts.BatchSize {
		if i > 0 && r.opts.BatchDelay > 0 {
			if err := r.sleep(ctx, r.opts.BatchDelay); err != nil {
				return nil, err
			}
		}
		end := i + r.opts.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		var wg conc.WaitGroup
		for _, t := range candidates[i:end] {
			t := t
			wg.Go(func() {
				natr, ok := r.evaluate(ctx, t)
				if !ok || natr < f.MinNATR {
					return
				}
				mu.Lock()
				eligible = append(eligible, t.Symbol)
				mu.Unlock()
			})
		}
		wg.Wait()
	}
	sort.Strings(eligible)

	r.mu.Lock()
	r.lastGood = append([]string(nil), eligible...)
	r.mu.Unlock()
	metrics.EligibleInstruments.Set(float64(len(eligible)))
	return eligible, nil
}

// evaluate 拉 K 线并写入 NATR；单个标的失败只影响自己。
func (r *Refresher) evaluate(ctx context.Context, t gateway.Ticker24h) (float64, bool) {
	candles, err := r.api.Klines(ctx, t.Symbol, KlineInterval, market.NATRPeriod+1)
	if err != nil {
		r.logger.Debug("klines failed", zap.String("symbol", t.Symbol), zap.Error(err))
		return 0, false
	}
	natr := market.NATR(t.LastPrice, candles)
	r.store.SetEligibility(t.Symbol, natr, t.LastPrice, r.now())
	return natr, true
}

// scoreFallback 24h 快照不可用时，为缺少元数据的兜底标的仅凭 K 线计算 NATR，
// 以最后一根收盘价作为价格。
func (r *Refresher) scoreFallback(ctx context.Context, symbols []string) {
	var wg conc.WaitGroup
	for _, sym := range symbols {
		if _, ok := r.store.Eligibility(sym); ok {
			continue
		}
		sym := sym
		wg.Go(func() {
			candles, err := r.api.Klines(ctx, sym, KlineInterval, market.NATRPeriod+1)
			if err != nil || len(candles) == 0 {
				r.logger.Debug("fallback klines failed", zap.String("symbol", sym), zap.Error(err))
				return
			}
			last := candles[len(candles)-1].Close
			r.store.SetEligibility(sym, market.NATR(last, candles), last, r.now())
		})
	}
	wg.Wait()
}

func (r *Refresher) fetchTickers(ctx context.Context) ([]gateway.Ticker24h, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.RetryAttempts; attempt++ {
		tickers, err := r.api.Ticker24h(ctx)
		if err == nil {
			return tickers, nil
		}
		lastErr = err
		if attempt == r.opts.RetryAttempts {
			break
		}
		delay := r.opts.RetryDelay * time.Duration(uint64(1)<<uint(attempt-1))
		r.logger.Warn("ticker fetch failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *Refresher) fallbackSet() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.lastGood) > 0 {
		return append([]string(nil), r.lastGood...)
	}
	out := make([]string, 0, len(r.opts.DefaultSymbols))
	for _, s := range r.opts.DefaultSymbols {
		out = append(out, strings.ToUpper(s))
	}
	sort.Strings(out)
	return out
}

// Full recomputes the eligible set and resubscribes to exactly that set.
func (r *Refresher) Full(ctx context.Context) {
	start := r.now()
	eligible, err := r.Scan(ctx)
	metrics.RefreshSeconds.WithLabelValues("full").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("full refresh degraded", zap.Int("fallback", len(eligible)), zap.Error(err))
	}
	r.logger.Info("full refresh", zap.Int("eligible", len(eligible)))
	if len(eligible) > 0 {
		r.sub.Resubscribe(eligible)
	}
}

// Incremental adds newly eligible instruments without dropping tracked ones.
func (r *Refresher) Incremental(ctx context.Context) {
	start := r.now()
	eligible, err := r.Scan(ctx)
	metrics.RefreshSeconds.WithLabelValues("incremental").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("incremental refresh degraded", zap.Error(err))
	}
	merged := union(r.sub.Symbols(), eligible)
	r.logger.Info("incremental refresh", zap.Int("eligible", len(eligible)), zap.Int("tracked", len(merged)))
	if len(merged) > 0 {
		r.sub.Resubscribe(merged)
	}
}

// Run 启动后立即全量筛选一次，之后按两个周期调度，直到 ctx 取消。
func (r *Refresher) Run(ctx context.Context) error {
	r.Full(ctx)
	full := time.NewTicker(r.opts.FullInterval)
	defer full.Stop()
	incr := time.NewTicker(r.opts.IncrementalInterval)
	defer incr.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-full.C:
			r.Full(ctx)
		case <-incr.C:
			r.Incremental(ctx)
		}
	}
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

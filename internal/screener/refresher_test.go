package screener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow-monitor/config"
	"tradeflow-monitor/gateway"
	"tradeflow-monitor/internal/store"
	"tradeflow-monitor/market"
)

type fakeMarket struct {
	mu          sync.Mutex
	tickers     []gateway.Ticker24h
	tickerErrs  int // 前 N 次 ticker 请求失败
	tickerCalls int
	ranges      map[string]float64 // symbol -> 每根 K 线的真实波幅
	klineErr    map[string]bool
	klineCalls  []string
}

func (f *fakeMarket) Ticker24h(context.Context) ([]gateway.Ticker24h, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerCalls++
	if f.tickerCalls <= f.tickerErrs {
		return nil, errors.New("ticker unavailable")
	}
	return f.tickers, nil
}

func (f *fakeMarket) Klines(_ context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	f.mu.Lock()
	f.klineCalls = append(f.klineCalls, symbol)
	failing := f.klineErr[symbol]
	tr := f.ranges[symbol]
	f.mu.Unlock()
	if failing {
		return nil, errors.New("klines unavailable")
	}
	if interval != KlineInterval || limit != market.NATRPeriod+1 {
		return nil, errors.New("unexpected kline request")
	}
	out := make([]market.Kline, limit)
	for i := range out {
		out[i] = market.Kline{Open: 100, High: 100 + tr/2, Low: 100 - tr/2, Close: 100}
	}
	return out, nil
}

type fakeSubscription struct {
	mu      sync.Mutex
	current []string
	calls   [][]string
}

func (s *fakeSubscription) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.current...)
}

func (s *fakeSubscription) Resubscribe(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = append([]string(nil), symbols...)
	s.calls = append(s.calls, s.current)
}

func testFilter(t *testing.T) Filter {
	t.Helper()
	f, err := FilterFromConfig(config.Default().Filter)
	require.NoError(t, err)
	return f
}

func ticker(symbol string, vol, change float64) gateway.Ticker24h {
	return gateway.Ticker24h{Symbol: symbol, LastPrice: 100, QuoteVolume: vol, PriceChangePercent: change}
}

func newTestRefresher(t *testing.T, api MarketData, sub Subscription, opts Options) (*Refresher, *store.Store, *[]time.Duration) {
	t.Helper()
	st := store.New(time.Minute, 0.45)
	r := New(api, st, sub, testFilter(t), opts, nil)
	var sleeps []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return r, st, &sleeps
}

func TestFilterMatch(t *testing.T) {
	f := testFilter(t)
	assert.True(t, f.Match(ticker("BTCUSDT", 1e6, 1)))
	assert.False(t, f.Match(ticker("BTCBUSD", 1e6, 1)), "quote asset")
	assert.False(t, f.Match(ticker("LOWUSDT", 99_999, 1)), "volume below MIN_VOL")
	assert.False(t, f.Match(ticker("HUGEUSDT", 2e9, 1)), "volume above MAX_VOL")
	assert.False(t, f.Match(ticker("DUMPUSDT", 1e6, -5.01)), "price change")
	assert.True(t, f.Match(ticker("EDGEUSDT", 100_000, -5)), "bounds are inclusive")
	assert.False(t, f.Match(ticker("1000PEPEUSDT", 1e6, 1)), "1000 prefix")
	assert.False(t, f.Match(ticker("BTCUPUSDT", 1e6, 1)), "leveraged token")
	assert.False(t, f.Match(ticker("ETHBEARUSDT", 1e6, 1)), "leveraged token")
}

func TestScanPersistsNATRAndReturnsEligible(t *testing.T) {
	api := &fakeMarket{
		tickers: []gateway.Ticker24h{
			ticker("SOLUSDT", 5e6, 2),
			ticker("BTCUSDT", 5e6, 2),
			ticker("CALMUSDT", 5e6, 2),
			ticker("BROKENUSDT", 5e6, 2),
			ticker("LOWUSDT", 10, 2),
		},
		ranges:   map[string]float64{"SOLUSDT": 1, "BTCUSDT": 0.5, "CALMUSDT": 0.2, "BROKENUSDT": 3},
		klineErr: map[string]bool{"BROKENUSDT": true},
	}
	r, st, _ := newTestRefresher(t, api, &fakeSubscription{}, Options{})

	got, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, got)

	calm, ok := st.Eligibility("CALMUSDT")
	require.True(t, ok, "near-miss NATR is persisted")
	assert.InDelta(t, 0.2, calm.NATR, 1e-9)
	assert.False(t, st.Active("CALMUSDT"))

	sol, ok := st.Eligibility("SOLUSDT")
	require.True(t, ok)
	assert.InDelta(t, 1.0, sol.NATR, 1e-9)
	assert.Equal(t, 100.0, sol.LastPrice)

	_, ok = st.Eligibility("BROKENUSDT")
	assert.False(t, ok, "kline failure excludes the instrument")
	assert.NotContains(t, api.klineCalls, "LOWUSDT")
}

func TestScanBatchesWithDelay(t *testing.T) {
	api := &fakeMarket{ranges: map[string]float64{}}
	for _, s := range []string{"AUSDT", "BUSDT", "CUSDT", "DUSDT", "EUSDT"} {
		api.tickers = append(api.tickers, ticker(s, 5e6, 0))
		api.ranges[s] = 1
	}
	r, _, sleeps := newTestRefresher(t, api, &fakeSubscription{}, Options{BatchSize: 2, BatchDelay: time.Second})

	got, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, *sleeps)
	assert.Len(t, api.klineCalls, 5)
}

func TestScanRetriesTickerWithBackoff(t *testing.T) {
	api := &fakeMarket{
		tickers:    []gateway.Ticker24h{ticker("BTCUSDT", 5e6, 0)},
		ranges:     map[string]float64{"BTCUSDT": 1},
		tickerErrs: 2,
	}
	r, _, sleeps := newTestRefresher(t, api, &fakeSubscription{}, Options{RetryAttempts: 3, RetryDelay: 2 * time.Second})

	got, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, got)
	assert.Equal(t, 3, api.tickerCalls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *sleeps)
}

func TestScanFallsBackToCachedThenDefault(t *testing.T) {
	api := &fakeMarket{tickerErrs: 100}
	r, _, _ := newTestRefresher(t, api, &fakeSubscription{}, Options{
		RetryAttempts:  2,
		DefaultSymbols: []string{"ethusdt", "btcusdt"},
	})

	got, err := r.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)

	r.lastGood = []string{"SOLUSDT"}
	got, err = r.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"SOLUSDT"}, got)
}

func TestScanFallbackScoresDefaultsFromKlines(t *testing.T) {
	api := &fakeMarket{
		tickerErrs: 100,
		ranges:     map[string]float64{"BTCUSDT": 1, "ETHUSDT": 0.1},
		klineErr:   map[string]bool{"DOGEUSDT": true},
	}
	r, st, _ := newTestRefresher(t, api, &fakeSubscription{}, Options{
		RetryAttempts:  1,
		DefaultSymbols: []string{"BTCUSDT", "ETHUSDT", "DOGEUSDT"},
	})

	got, err := r.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"BTCUSDT", "DOGEUSDT", "ETHUSDT"}, got)

	btc, ok := st.Eligibility("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 1.0, btc.NATR, 1e-9)
	assert.Equal(t, 100.0, btc.LastPrice, "last close stands in for the ticker price")
	assert.True(t, st.Active("BTCUSDT"))
	assert.False(t, st.Active("ETHUSDT"), "scored but below MIN_NATR")
	_, ok = st.Eligibility("DOGEUSDT")
	assert.False(t, ok)

	// 已有元数据的标的不再请求 K 线
	calls := len(api.klineCalls)
	_, _ = r.Scan(context.Background())
	assert.Equal(t, calls+1, len(api.klineCalls), "only the unscored symbol is retried")
}

func TestFullResubscribesExactSet(t *testing.T) {
	api := &fakeMarket{
		tickers: []gateway.Ticker24h{ticker("BTCUSDT", 5e6, 0), ticker("SOLUSDT", 5e6, 0)},
		ranges:  map[string]float64{"BTCUSDT": 1, "SOLUSDT": 0.1},
	}
	sub := &fakeSubscription{current: []string{"OLDUSDT"}}
	r, _, _ := newTestRefresher(t, api, sub, Options{})

	r.Full(context.Background())
	assert.Equal(t, [][]string{{"BTCUSDT"}}, sub.calls)
}

func TestIncrementalKeepsTrackedInstruments(t *testing.T) {
	api := &fakeMarket{
		tickers: []gateway.Ticker24h{ticker("BTCUSDT", 5e6, 0), ticker("NEWUSDT", 5e6, 0)},
		ranges:  map[string]float64{"BTCUSDT": 1, "NEWUSDT": 1},
	}
	sub := &fakeSubscription{current: []string{"OLDUSDT", "BTCUSDT"}}
	r, _, _ := newTestRefresher(t, api, sub, Options{})

	r.Incremental(context.Background())
	require.Len(t, sub.calls, 1)
	assert.Equal(t, []string{"BTCUSDT", "NEWUSDT", "OLDUSDT"}, sub.calls[0])
}

func TestSetFilterAppliesNextCycle(t *testing.T) {
	api := &fakeMarket{
		tickers: []gateway.Ticker24h{ticker("BTCUSDT", 5e6, 0)},
		ranges:  map[string]float64{"BTCUSDT": 0.3},
	}
	r, _, _ := newTestRefresher(t, api, &fakeSubscription{}, Options{})

	got, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	f := testFilter(t)
	f.MinNATR = 0.25
	r.SetFilter(f)
	got, err = r.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, got)
}

func TestRunPerformsImmediateFullRefresh(t *testing.T) {
	api := &fakeMarket{
		tickers: []gateway.Ticker24h{ticker("BTCUSDT", 5e6, 0)},
		ranges:  map[string]float64{"BTCUSDT": 1},
	}
	sub := &fakeSubscription{}
	r, _, _ := newTestRefresher(t, api, sub, Options{FullInterval: time.Hour, IncrementalInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return len(sub.Symbols()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

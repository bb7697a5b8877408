package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradeflow-monitor/internal/store"
	"tradeflow-monitor/market"
)

// capturePublisher 记录所有广播的消息
type capturePublisher struct {
	mu   sync.Mutex
	msgs []any
}

func (p *capturePublisher) Broadcast(v any) int {
	p.mu.Lock()
	p.msgs = append(p.msgs, v)
	p.mu.Unlock()
	return 1
}

func (p *capturePublisher) patterns() []PatternMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PatternMessage
	for _, m := range p.msgs {
		if pm, ok := m.(PatternMessage); ok {
			out = append(out, pm)
		}
	}
	return out
}

func (p *capturePublisher) summaries() []SummaryMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SummaryMessage
	for _, m := range p.msgs {
		if sm, ok := m.(SummaryMessage); ok {
			out = append(out, sm)
		}
	}
	return out
}

var baseTime = time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC)

func newTestEngine(t *testing.T) (*FlowEngine, *store.Store, *capturePublisher) {
	t.Helper()
	st := store.New(60*time.Second, 0.45)
	pub := &capturePublisher{}
	e, err := New(Config{SummaryInterval: time.Second, MinVolumeUSD: 500}, Components{
		Store:     st,
		Publisher: pub,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	e.now = func() time.Time { return baseTime }
	return e, st, pub
}

func trade(symbol string, id int64, price, qty float64, maker bool, ts time.Time) market.Trade {
	return market.Trade{Symbol: symbol, TradeID: id, Price: price, Qty: qty, BuyerMaker: maker, Ts: ts}
}

func TestNewValidatesComponents(t *testing.T) {
	_, err := New(Config{}, Components{})
	require.Error(t, err)

	_, err = New(Config{MinVolumeUSD: -1}, Components{Store: store.New(time.Minute, 0), Publisher: &capturePublisher{}, Logger: zap.NewNop()})
	require.Error(t, err)
}

// 3 笔 $600 买 + 1 笔 $600 卖
func TestScenarioMixedFlow(t *testing.T) {
	e, st, pub := newTestEngine(t)
	st.SetEligibility("XUSDT", 1.234, 6, baseTime)

	ts := baseTime.Add(-10 * time.Second)
	e.OnTrade(trade("XUSDT", 1, 6, 100, false, ts))
	e.OnTrade(trade("XUSDT", 2, 6, 100, false, ts))
	e.OnTrade(trade("XUSDT", 3, 6, 100, false, ts))
	e.OnTrade(trade("XUSDT", 4, 6, 100, true, ts))

	pats := pub.patterns()
	require.Len(t, pats, 4)
	assert.Equal(t, "Infinity", pats[0].LSRatio)
	assert.Equal(t, "1.00", pats[0].LSRatioTrades)
	last := pats[3]
	assert.Equal(t, "X", last.Symbol)
	assert.Equal(t, "3.00", last.LSRatio)
	assert.Equal(t, "3.00", last.LSRatioTrades)
	assert.Equal(t, "600.00", last.VolumeUSD)
	assert.Equal(t, "12:34:46", last.Time)
	assert.Equal(t, ts.UnixMilli(), last.TimeStamp)

	require.Equal(t, 1, e.Tick(baseTime))
	sums := pub.summaries()
	require.Len(t, sums, 1)
	s := sums[0]
	assert.Equal(t, TypeSummary, s.Type)
	assert.Equal(t, "X", s.Symbol)
	assert.Equal(t, 3, s.BuyCnt)
	assert.Equal(t, 1, s.SellCnt)
	assert.Equal(t, "3.00", s.LSRatio)
	assert.Equal(t, "3.00", s.VolRatio)
	assert.Equal(t, "2400.00", s.TotalVol)
	assert.Equal(t, "600.00", s.AvgSize)
	assert.Equal(t, "1.23", s.NATR)
	assert.Equal(t, "1200.00", s.Delta)
}

func TestScenarioOnlyBuys(t *testing.T) {
	e, st, pub := newTestEngine(t)
	st.SetEligibility("YUSDT", 2, 10, baseTime)
	for i := int64(1); i <= 4; i++ {
		e.OnTrade(trade("YUSDT", i, 10, 100, false, baseTime))
	}
	e.Tick(baseTime)

	sums := pub.summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, "Infinity", sums[0].VolRatio)
	assert.Equal(t, "4.00", sums[0].LSRatio)
	assert.NotEqual(t, sums[0].VolRatio, sums[0].LSRatio)
}

func TestFilteredTradesNeverPublished(t *testing.T) {
	e, st, pub := newTestEngine(t)
	st.SetEligibility("ACTUSDT", 1, 10, baseTime)
	st.SetEligibility("LOWUSDT", 0.1, 10, baseTime)

	e.OnTrade(trade("ACTUSDT", 1, 10, 49.99, false, baseTime)) // $499.90
	e.OnTrade(trade("LOWUSDT", 2, 10, 100, false, baseTime))   // NATR below threshold
	e.OnTrade(trade("NEWUSDT", 3, 10, 100, false, baseTime))   // no metadata
	e.OnTrade(trade("ACTUSDT", 4, 0, 100, false, baseTime))    // bad price
	e.OnTrade(trade("ACTUSDT", 5, 10, 0, false, baseTime))     // bad qty
	e.OnTrade(trade("ACTUSDT", 6, 10, 100, false, baseTime.Add(-61*time.Second)))

	assert.Empty(t, pub.patterns())
	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 0, e.Tick(baseTime))
	assert.Equal(t, int64(6), e.GetStatistics().TotalRejected)
}

func TestDuplicateTradeCountedOnce(t *testing.T) {
	e, st, pub := newTestEngine(t)
	st.SetEligibility("BTCUSDT", 1, 100, baseTime)
	tr := trade("BTCUSDT", 77, 100, 10, false, baseTime)
	e.OnTrade(tr)
	e.OnTrade(tr)

	assert.Len(t, pub.patterns(), 1)
	e.Tick(baseTime)
	assert.Equal(t, 1, pub.summaries()[0].BuyCnt)
}

func TestSetMinVolumeUSD(t *testing.T) {
	e, st, pub := newTestEngine(t)
	st.SetEligibility("BTCUSDT", 1, 100, baseTime)
	e.SetMinVolumeUSD(2000)
	assert.Equal(t, 2000.0, e.MinVolumeUSD())

	e.OnTrade(trade("BTCUSDT", 1, 100, 10, false, baseTime))
	assert.Empty(t, pub.patterns())
	e.OnTrade(trade("BTCUSDT", 2, 100, 20, false, baseTime))
	assert.Len(t, pub.patterns(), 1)
}

func TestTickEvictsAndSkipsInactive(t *testing.T) {
	e, st, pub := newTestEngine(t)
	st.SetEligibility("AUSDT", 1, 10, baseTime)
	st.SetEligibility("BUSDT", 1, 10, baseTime)
	e.OnTrade(trade("AUSDT", 1, 10, 100, false, baseTime.Add(-50*time.Second)))
	e.OnTrade(trade("BUSDT", 2, 10, 100, true, baseTime))

	// A 的成交过期后账本与元数据一起删除
	assert.Equal(t, 1, e.Tick(baseTime.Add(15*time.Second)))
	sums := pub.summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, "B", sums[0].Symbol)
	assert.Equal(t, "0.00", sums[0].VolRatio)
	assert.Equal(t, "0.00", sums[0].LSRatio)
	_, ok := st.Eligibility("AUSDT")
	assert.False(t, ok)

	// B 仍有账本，但 NATR 被更新到阈值以下
	st.SetEligibility("BUSDT", 0.1, 10, baseTime)
	assert.Equal(t, 0, e.Tick(baseTime.Add(16*time.Second)))
}

func TestMessageJSONShape(t *testing.T) {
	e, st, pub := newTestEngine(t)
	st.SetEligibility("SOLUSDT", 0.9, 150, baseTime)
	e.OnTrade(trade("SOLUSDT", 1, 150.5, 4, true, baseTime))
	e.Tick(baseTime)

	raw, err := json.Marshal(pub.patterns()[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pattern","symbol":"SOL","time":"12:34:56","timeStamp":1709296496000,
		"price":150.5,"volumeUsd":"602.00","volume":4,"lsRatio":"0.00","lsRatioTrades":"0.00"}`, string(raw))

	raw, err = json.Marshal(pub.summaries()[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"summary","symbol":"SOL","lsRatio":"0.00","volRatio":"0.00","totalVol":"602.00",
		"buyCnt":0,"sellCnt":1,"avgSize":"602.00","natr":"0.90","delta":"-602.00"}`, string(raw))
}

func TestRunTicksAndKicks(t *testing.T) {
	st := store.New(time.Minute, 0)
	pub := &capturePublisher{}
	e, err := New(Config{SummaryInterval: time.Hour, MinVolumeUSD: 1}, Components{Store: st, Publisher: pub, Logger: zap.NewNop()})
	require.NoError(t, err)
	st.SetEligibility("BTCUSDT", 1, 100, time.Now())
	e.OnTrade(trade("BTCUSDT", 1, 100, 1, false, time.Now()))

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.GetState())
	assert.Error(t, e.Start(context.Background()))

	e.OnConnected()
	require.Eventually(t, func() bool { return len(pub.summaries()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.GetState())
	assert.NoError(t, e.Stop())
}

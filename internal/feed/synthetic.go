package feed

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"tradeflow-monitor/internal/store"
	"tradeflow-monitor/market"
)

// InstrumentSource lists the instruments the generator may fabricate trades for.
type InstrumentSource interface {
	ActiveInstruments() []store.Eligibility
}

// SyntheticConfig 合成成交参数。
type SyntheticConfig struct {
	MinInterval  time.Duration
	MaxInterval  time.Duration
	MinVolumeUSD float64 // 生成的成交额落在 [MinVolumeUSD, 5*MinVolumeUSD]
}

// SyntheticGenerator keeps downstream consumers populated while the live feed is down.
// Prices random-walk (±0.1% per trade) from the screener's last price.
type SyntheticGenerator struct {
	cfg SyntheticConfig
	src InstrumentSource

	mu    sync.Mutex
	rnd   *rand.Rand
	price map[string]float64
}

func NewSyntheticGenerator(cfg SyntheticConfig, src InstrumentSource, seed uint64) *SyntheticGenerator {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.MinVolumeUSD <= 0 {
		cfg.MinVolumeUSD = 1
	}
	return &SyntheticGenerator{
		cfg:   cfg,
		src:   src,
		rnd:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		price: make(map[string]float64),
	}
}

// Next fabricates one trade for a random active instrument.
func (g *SyntheticGenerator) Next(now time.Time) (market.Trade, bool) {
	insts := g.src.ActiveInstruments()
	g.mu.Lock()
	defer g.mu.Unlock()
	candidates := insts[:0:0]
	for _, e := range insts {
		if e.LastPrice > 0 || g.price[e.Symbol] > 0 {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return market.Trade{}, false
	}
	inst := candidates[g.rnd.IntN(len(candidates))]
	ref := g.price[inst.Symbol]
	if ref <= 0 {
		ref = inst.LastPrice
	}
	price := ref * (1 + (g.rnd.Float64()*2-1)*0.001)
	g.price[inst.Symbol] = price

	usd := g.cfg.MinVolumeUSD * (1.01 + g.rnd.Float64()*3.99)
	return market.Trade{
		Symbol:     inst.Symbol,
		Price:      price,
		Qty:        usd / price,
		Ts:         now,
		BuyerMaker: g.rnd.IntN(2) == 0,
		Synthetic:  true,
	}, true
}

// Run emits trades at randomized intervals until ctx is done.
func (g *SyntheticGenerator) Run(ctx context.Context, emit func(market.Trade)) {
	timer := time.NewTimer(g.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			if t, ok := g.Next(now); ok {
				emit(t)
			}
			timer.Reset(g.interval())
		}
	}
}

func (g *SyntheticGenerator) interval() time.Duration {
	span := g.cfg.MaxInterval - g.cfg.MinInterval
	if span <= 0 {
		return g.cfg.MinInterval
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.MinInterval + time.Duration(g.rnd.Int64N(int64(span)+1))
}

package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tradeflow-monitor/market"
)

var (
	// ErrInactive 标的没有资格元数据或 NATR 低于阈值。
	ErrInactive = errors.New("instrument not active")
	// ErrStale 成交时间已落在窗口之外。
	ErrStale = errors.New("trade outside window")
	// ErrDuplicate 同一 tradeId 在窗口内已记录（切换连接时的重叠）。
	ErrDuplicate = errors.New("duplicate trade")
)

// Store 维护每个标的的滑动窗口成交账本以及筛选器写入的资格元数据。
// 账本与元数据共用一把锁：实时/合成写入、筛选器写元数据、广播读取都经由这里。
type Store struct {
	mu      sync.RWMutex
	window  int64
	minNATR float64
	ledgers map[string]*ledger
	meta    map[string]Eligibility
}

// Record is one retained trade.
type Record struct {
	TimestampMs int64
	VolumeUSD   float64
	TradeID     int64
}

type ledger struct {
	buys  []Record
	sells []Record
	seen  map[int64]struct{}
}

// Eligibility is the screener's latest verdict input for a symbol.
type Eligibility struct {
	Symbol    string
	NATR      float64
	LastPrice float64
	UpdatedAt time.Time
}

func New(window time.Duration, minNATR float64) *Store {
	return &Store{
		window:  window.Milliseconds(),
		minNATR: minNATR,
		ledgers: make(map[string]*ledger),
		meta:    make(map[string]Eligibility),
	}
}

// Window 返回窗口长度。
func (s *Store) Window() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.window) * time.Millisecond
}

// SetMinNATR 热更新激活阈值。
func (s *Store) SetMinNATR(v float64) {
	s.mu.Lock()
	s.minNATR = v
	s.mu.Unlock()
}

// SetEligibility 写入（覆盖）标的的 NATR 与最新价；不论是否达标都保存，便于排查临界标的。
func (s *Store) SetEligibility(symbol string, natr, lastPrice float64, at time.Time) {
	s.mu.Lock()
	s.meta[symbol] = Eligibility{Symbol: symbol, NATR: natr, LastPrice: lastPrice, UpdatedAt: at}
	s.mu.Unlock()
}

// Eligibility 返回标的当前元数据。
func (s *Store) Eligibility(symbol string) (Eligibility, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.meta[symbol]
	return e, ok
}

// Active 标的存在元数据且 NATR >= 阈值。
func (s *Store) Active(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(symbol)
}

func (s *Store) activeLocked(symbol string) bool {
	e, ok := s.meta[symbol]
	return ok && e.NATR >= s.minNATR
}

// ActiveInstruments 返回所有激活标的（按 symbol 排序）。
func (s *Store) ActiveInstruments() []Eligibility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Eligibility, 0, len(s.meta))
	for sym, e := range s.meta {
		if s.activeLocked(sym) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Record 将成交追加到对应账本；账本不存在时仅在标的激活时创建。
// 返回追加后（已做过一次淘汰）的聚合结果。
func (s *Store) Record(symbol string, side market.Side, volumeUSD float64, tsMs, tradeID, nowMs int64) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked(symbol) {
		return Stats{}, ErrInactive
	}
	if nowMs-tsMs > s.window {
		return Stats{}, ErrStale
	}
	l, ok := s.ledgers[symbol]
	if !ok {
		l = &ledger{seen: make(map[int64]struct{})}
		s.ledgers[symbol] = l
	}
	if tradeID != 0 {
		if _, dup := l.seen[tradeID]; dup {
			return s.statsLocked(symbol, l), ErrDuplicate
		}
		l.seen[tradeID] = struct{}{}
	}
	rec := Record{TimestampMs: tsMs, VolumeUSD: volumeUSD, TradeID: tradeID}
	if side == market.SideSell {
		l.sells = append(l.sells, rec)
	} else {
		l.buys = append(l.buys, rec)
	}
	s.evictLocked(symbol, l, nowMs)
	return s.statsLocked(symbol, l), nil
}

// Evict 丢弃窗口外的记录；两侧都为空时删除账本及其元数据。返回账本是否仍存在。
func (s *Store) Evict(symbol string, nowMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[symbol]
	if !ok {
		return false
	}
	return s.evictLocked(symbol, l, nowMs)
}

// Snapshot 先淘汰再聚合单个标的。
func (s *Store) Snapshot(symbol string, nowMs int64) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[symbol]
	if !ok || !s.evictLocked(symbol, l, nowMs) {
		return Stats{}, false
	}
	return s.statsLocked(symbol, l), true
}

// SnapshotAll 在一次加锁内对全部账本做淘汰并聚合，只返回激活标的，按 symbol 排序。
// 同一个 tick 内的所有 summary 都来自这一次快照。
func (s *Store) SnapshotAll(nowMs int64) []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.ledgers))
	for sym, l := range s.ledgers {
		if !s.evictLocked(sym, l, nowMs) {
			continue
		}
		if !s.activeLocked(sym) {
			continue
		}
		out = append(out, s.statsLocked(sym, l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Records returns copies of the retained buys and sells, evicting first.
func (s *Store) Records(symbol string, nowMs int64) (buys, sells []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[symbol]
	if !ok || !s.evictLocked(symbol, l, nowMs) {
		return nil, nil
	}
	buys = append([]Record(nil), l.buys...)
	sells = append([]Record(nil), l.sells...)
	return buys, sells
}

// Len 当前账本数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledgers)
}

func (s *Store) evictLocked(symbol string, l *ledger, nowMs int64) bool {
	l.buys = s.retain(l, l.buys, nowMs)
	l.sells = s.retain(l, l.sells, nowMs)
	if len(l.buys) == 0 && len(l.sells) == 0 {
		delete(s.ledgers, symbol)
		delete(s.meta, symbol)
		return false
	}
	return true
}

// retain filters in place; arrival order is kept but timestamps need not be monotonic.
func (s *Store) retain(l *ledger, recs []Record, nowMs int64) []Record {
	kept := recs[:0]
	for _, r := range recs {
		if nowMs-r.TimestampMs <= s.window {
			kept = append(kept, r)
			continue
		}
		if r.TradeID != 0 {
			delete(l.seen, r.TradeID)
		}
	}
	return kept
}

func (s *Store) statsLocked(symbol string, l *ledger) Stats {
	st := Stats{
		Symbol:    symbol,
		BuyCount:  len(l.buys),
		SellCount: len(l.sells),
	}
	for _, r := range l.buys {
		st.BuyVolume += r.VolumeUSD
	}
	for _, r := range l.sells {
		st.SellVolume += r.VolumeUSD
	}
	if e, ok := s.meta[symbol]; ok {
		st.NATR = e.NATR
	}
	return st
}

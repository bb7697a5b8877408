package store

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow-monitor/market"
)

const window = 60 * time.Second

func newActiveStore(symbols ...string) *Store {
	st := New(window, 0.45)
	for _, sym := range symbols {
		st.SetEligibility(sym, 1.2, 10, time.Now())
	}
	return st
}

func TestRecordScenarioThreeBuysOneSell(t *testing.T) {
	st := newActiveStore("XUSDT")
	now := int64(1_000_000)

	for i := int64(0); i < 3; i++ {
		_, err := st.Record("XUSDT", market.SideBuy, 600, now-i*1000, 100+i, now)
		require.NoError(t, err)
	}
	_, err := st.Record("XUSDT", market.SideSell, 600, now, 200, now)
	require.NoError(t, err)

	snap, ok := st.Snapshot("XUSDT", now)
	require.True(t, ok)
	assert.Equal(t, 3, snap.BuyCount)
	assert.Equal(t, 1, snap.SellCount)
	assert.Equal(t, 3.0, snap.CountRatio())
	assert.Equal(t, 3.0, snap.VolumeRatio())
	assert.Equal(t, 1200.0, snap.NetDelta())
	assert.Equal(t, 2400.0, snap.TotalVolume())
	assert.Equal(t, 600.0, snap.AvgSize())
	assert.Equal(t, 1.2, snap.NATR)
}

func TestRecordOnlyBuysKeepsRatiosDistinct(t *testing.T) {
	st := newActiveStore("YUSDT")
	now := int64(5_000_000)
	for i := int64(1); i <= 4; i++ {
		_, err := st.Record("YUSDT", market.SideBuy, 750, now, i, now)
		require.NoError(t, err)
	}
	snap, ok := st.Snapshot("YUSDT", now)
	require.True(t, ok)
	assert.True(t, math.IsInf(snap.VolumeRatio(), 1))
	assert.Equal(t, 4.0, snap.CountRatio())
}

func TestRecordRejectsInactiveInstrument(t *testing.T) {
	st := New(window, 0.45)
	now := time.Now().UnixMilli()

	_, err := st.Record("UNKNOWNUSDT", market.SideBuy, 1000, now, 1, now)
	assert.ErrorIs(t, err, ErrInactive)

	st.SetEligibility("CALMUSDT", 0.2, 3, time.Now())
	_, err = st.Record("CALMUSDT", market.SideBuy, 1000, now, 2, now)
	assert.ErrorIs(t, err, ErrInactive)
	assert.Equal(t, 0, st.Len())

	// near-miss metadata is still visible
	e, ok := st.Eligibility("CALMUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.2, e.NATR)
}

func TestRecordRejectsStaleTrade(t *testing.T) {
	st := newActiveStore("XUSDT")
	now := int64(10_000_000)
	_, err := st.Record("XUSDT", market.SideBuy, 1000, now-window.Milliseconds()-1, 1, now)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 0, st.Len())
	assert.True(t, st.Active("XUSDT"), "stale trade must not drop metadata")
}

func TestRecordDeduplicatesTradeID(t *testing.T) {
	st := newActiveStore("XUSDT")
	now := int64(10_000_000)
	_, err := st.Record("XUSDT", market.SideBuy, 1000, now, 42, now)
	require.NoError(t, err)
	stats, err := st.Record("XUSDT", market.SideBuy, 1000, now, 42, now)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, stats.BuyCount)

	// synthetic trades carry no id and are never treated as duplicates
	_, err = st.Record("XUSDT", market.SideSell, 1000, now, 0, now)
	require.NoError(t, err)
	_, err = st.Record("XUSDT", market.SideSell, 1000, now, 0, now)
	require.NoError(t, err)
	snap, _ := st.Snapshot("XUSDT", now)
	assert.Equal(t, 2, snap.SellCount)
}

func TestEvictionKeepsWindowInvariant(t *testing.T) {
	st := newActiveStore("XUSDT")
	base := int64(100_000_000)
	w := window.Milliseconds()

	// out-of-order arrival: newest first, then older ones
	stamps := []int64{base, base - w + 10, base - 30_000, base - w + 5_000}
	for i, ts := range stamps {
		_, err := st.Record("XUSDT", market.SideBuy, 500, ts, int64(i+1), base)
		require.NoError(t, err)
	}

	for _, now := range []int64{base, base + 10, base + 5_000, base + 30_000, base + w} {
		buys, sells := st.Records("XUSDT", now)
		for _, r := range append(buys, sells...) {
			assert.LessOrEqual(t, now-r.TimestampMs, w, "record %d outside window at %d", r.TimestampMs, now)
		}
	}

	// exactly at the boundary the newest record is still retained
	buys, _ := st.Records("XUSDT", base+w)
	require.Len(t, buys, 1)
	assert.Equal(t, base, buys[0].TimestampMs)
}

func TestEvictionDeletesLedgerAndMetadata(t *testing.T) {
	st := newActiveStore("XUSDT")
	now := int64(50_000_000)
	_, err := st.Record("XUSDT", market.SideSell, 900, now, 1, now)
	require.NoError(t, err)
	require.True(t, st.Evict("XUSDT", now))

	later := now + window.Milliseconds() + 1
	assert.False(t, st.Evict("XUSDT", later))
	assert.Equal(t, 0, st.Len())
	_, ok := st.Eligibility("XUSDT")
	assert.False(t, ok, "metadata must be removed with the ledger")

	// must be rediscovered before it can accumulate again
	_, err = st.Record("XUSDT", market.SideBuy, 900, later, 2, later)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestSnapshotAllSkipsInactiveAndSorts(t *testing.T) {
	st := newActiveStore("BUSDT", "AUSDT", "CUSDT")
	now := int64(70_000_000)
	for i, sym := range []string{"CUSDT", "AUSDT", "BUSDT"} {
		_, err := st.Record(sym, market.SideBuy, 1000, now, int64(i+1), now)
		require.NoError(t, err)
	}
	// B drops under the threshold after a refresh
	st.SetEligibility("BUSDT", 0.1, 10, time.Now())

	all := st.SnapshotAll(now)
	require.Len(t, all, 2)
	assert.Equal(t, "AUSDT", all[0].Symbol)
	assert.Equal(t, "CUSDT", all[1].Symbol)
}

func TestSetMinNATRChangesActivation(t *testing.T) {
	st := New(window, 0.45)
	st.SetEligibility("XUSDT", 0.5, 10, time.Now())
	assert.True(t, st.Active("XUSDT"))
	st.SetMinNATR(0.8)
	assert.False(t, st.Active("XUSDT"))
	assert.Empty(t, st.ActiveInstruments())
	st.SetMinNATR(0.5)
	require.Len(t, st.ActiveInstruments(), 1)
}

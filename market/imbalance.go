package market

import (
	"math"

	"github.com/shopspring/decimal"
)

// VolumeRatio is buy notional over sell notional.
// With no sell volume the ratio is unbounded (+Inf) when anything was bought,
// and 0 when the window is empty on both sides.
func VolumeRatio(buyVolumeUSD, sellVolumeUSD float64) float64 {
	if sellVolumeUSD > 0 {
		return buyVolumeUSD / sellVolumeUSD
	}
	if buyVolumeUSD > 0 {
		return math.Inf(1)
	}
	return 0
}

// CountRatio is buy count over sell count, degrading to the plain buy count
// when there are no sells.
func CountRatio(buyCount, sellCount int) float64 {
	if sellCount > 0 {
		return float64(buyCount) / float64(sellCount)
	}
	return float64(buyCount)
}

// NetDelta = buy notional - sell notional.
func NetDelta(buyVolumeUSD, sellVolumeUSD float64) float64 {
	return buyVolumeUSD - sellVolumeUSD
}

// Unbounded is the wire form of a +Inf ratio.
const Unbounded = "Infinity"

// FormatFixed2 renders v with exactly two decimals.
func FormatFixed2(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return Unbounded
	case math.IsInf(v, -1):
		return "-" + Unbounded
	case math.IsNaN(v):
		return "0.00"
	}
	return decimal.NewFromFloat(v).StringFixed(2)
}

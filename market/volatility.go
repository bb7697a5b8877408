package market

import "math"

// NATRPeriod is the ATR look-back used for instrument screening.
const NATRPeriod = 30

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(k Kline, prevClose float64) float64 {
	return math.Max(k.High-k.Low, math.Max(math.Abs(k.High-prevClose), math.Abs(k.Low-prevClose)))
}

// ATR computes Wilder's average true range over candles (oldest first).
// The seed is the mean of the first period true ranges; every further true
// range is folded in with atr = (atr*(period-1) + tr) / period.
// ok is false when fewer than period+1 candles are supplied.
func ATR(candles []Kline, period int) (atr float64, ok bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, TrueRange(candles[i], candles[i-1].Close))
	}
	sum := 0.0
	for _, tr := range trs[:period] {
		sum += tr
	}
	atr = sum / float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// NATR expresses the ATR as a percentage of lastPrice.
// Too little history or a non-positive price yields 0, which screens the
// instrument out rather than failing the cycle.
func NATR(lastPrice float64, candles []Kline) float64 {
	atr, ok := ATR(candles, NATRPeriod)
	if !ok || lastPrice <= 0 {
		return 0
	}
	return atr / lastPrice * 100
}

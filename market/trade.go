package market

import "time"

// Side is the pressure a trade is counted towards.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// Trade represents a normalized trade tick from the upstream feed.
// BuyerMaker mirrors the exchange's maker flag: maker trades count as sell
// pressure, taker trades as buy pressure.
type Trade struct {
	Symbol     string
	TradeID    int64
	Price      float64
	Qty        float64
	Ts         time.Time
	BuyerMaker bool
	Synthetic  bool
}

// Side classifies the trade.
func (t Trade) Side() Side {
	if t.BuyerMaker {
		return SideSell
	}
	return SideBuy
}

// VolumeUSD is the quote-denominated notional of the trade.
func (t Trade) VolumeUSD() float64 {
	return t.Price * t.Qty
}

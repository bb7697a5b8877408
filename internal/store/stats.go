package store

import "tradeflow-monitor/market"

// Stats is an aggregate view of one ledger at a single observation point.
type Stats struct {
	Symbol     string
	BuyCount   int
	SellCount  int
	BuyVolume  float64
	SellVolume float64
	NATR       float64
}

func (s Stats) TotalVolume() float64 { return s.BuyVolume + s.SellVolume }

func (s Stats) TradeCount() int { return s.BuyCount + s.SellCount }

// AvgSize is the mean notional per retained trade, 0 for an empty window.
func (s Stats) AvgSize() float64 {
	total := s.TotalVolume()
	if total <= 0 || s.TradeCount() == 0 {
		return 0
	}
	return total / float64(s.TradeCount())
}

func (s Stats) VolumeRatio() float64 { return market.VolumeRatio(s.BuyVolume, s.SellVolume) }

func (s Stats) CountRatio() float64 { return market.CountRatio(s.BuyCount, s.SellCount) }

func (s Stats) NetDelta() float64 { return market.NetDelta(s.BuyVolume, s.SellVolume) }

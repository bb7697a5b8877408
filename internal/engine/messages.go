package engine

// 下游消息类型
const (
	TypeSummary = "summary"
	TypePattern = "pattern"
	TypeHello   = "hello"
)

// SummaryMessage 每个 tick 每个激活标的一条。lsRatio 是笔数比，volRatio 是成交额比。
type SummaryMessage struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	LSRatio  string `json:"lsRatio"`
	VolRatio string `json:"volRatio"`
	TotalVol string `json:"totalVol"`
	BuyCnt   int    `json:"buyCnt"`
	SellCnt  int    `json:"sellCnt"`
	AvgSize  string `json:"avgSize"`
	NATR     string `json:"natr"`
	Delta    string `json:"delta"`
}

// PatternMessage 单笔成交通知，带入账后的比率。
type PatternMessage struct {
	Type          string  `json:"type"`
	Symbol        string  `json:"symbol"`
	Time          string  `json:"time"` // HH:MM:SS UTC
	TimeStamp     int64   `json:"timeStamp"`
	Price         float64 `json:"price"`
	VolumeUSD     string  `json:"volumeUsd"`
	Volume        float64 `json:"volume"`
	LSRatio       string  `json:"lsRatio"`       // 成交额比，卖方为 0 时为 "Infinity"
	LSRatioTrades string  `json:"lsRatioTrades"` // 笔数比
}

// HelloMessage 订阅者连上时的首条消息。
type HelloMessage struct {
	Type      string           `json:"type"`
	State     string           `json:"state"`
	Summaries []SummaryMessage `json:"summaries"`
}

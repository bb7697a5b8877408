package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeflow-monitor/market"
)

// ErrNonTrade 不是成交事件（例如订阅回执），调用方直接忽略。
var ErrNonTrade = errors.New("not a trade event")

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TradeEvent 对应 <symbol>@trade 消息。
// encoding/json 的键匹配不区分大小写，E/e、T/t、M/m 必须各有字段，否则会互相覆盖。
type TradeEvent struct {
	EventType  string      `json:"e"`
	EventTime  int64       `json:"E"`
	Symbol     string      `json:"s"`
	TradeID    int64       `json:"t"`
	Price      json.Number `json:"p"`
	Qty        json.Number `json:"q"`
	TradeTime  int64       `json:"T"`
	BuyerMaker bool        `json:"m"`
	Ignore     bool        `json:"M"`
}

// ParseCombinedTrade 解析 combined stream 的成交消息。
// 没有 data 的包装返回 ErrNonTrade；字段缺失或数字非法返回解析错误。
func ParseCombinedTrade(raw []byte) (market.Trade, error) {
	var msg CombinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return market.Trade{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return market.Trade{}, ErrNonTrade
	}
	var ev TradeEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return market.Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	if ev.EventType != "" && ev.EventType != "trade" {
		return market.Trade{}, ErrNonTrade
	}
	if ev.Symbol == "" {
		return market.Trade{}, errors.New("trade without symbol")
	}
	price, err := ev.Price.Float64()
	if err != nil {
		return market.Trade{}, fmt.Errorf("price %q: %w", ev.Price, err)
	}
	qty, err := ev.Qty.Float64()
	if err != nil {
		return market.Trade{}, fmt.Errorf("qty %q: %w", ev.Qty, err)
	}
	return market.Trade{
		Symbol:     ev.Symbol,
		TradeID:    ev.TradeID,
		Price:      price,
		Qty:        qty,
		Ts:         time.UnixMilli(ev.TradeTime).UTC(),
		BuyerMaker: ev.BuyerMaker,
	}, nil
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tradeflow-monitor/market"
	"tradeflow-monitor/metrics"
)

// BinanceSpotRESTEndpoint 现货 REST 默认地址。
const BinanceSpotRESTEndpoint = "https://api.binance.com"

// BinanceRESTClient 只读行情客户端（24h ticker / klines），HTTPClient 可注入 httptest。
type BinanceRESTClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Timeout    time.Duration // 单次请求超时，叠加在调用方 ctx 之上
}

// Ticker24h 是 /api/v3/ticker/24hr 中用到的字段。
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
}

// StatusError 非 2xx 响应。
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d", e.Endpoint, e.Code)
}

// Ticker24h 拉取全市场 24 小时统计。
func (c *BinanceRESTClient) Ticker24h(ctx context.Context) ([]Ticker24h, error) {
	var out []Ticker24h
	if err := c.getJSON(ctx, "ticker24hr", "/api/v3/ticker/24hr", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Klines 拉取最近 limit 根 K 线（旧在前）。
func (c *BinanceRESTClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	var rows [][]json.RawMessage
	if err := c.getJSON(ctx, "klines", "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}
	return parseKlines(rows)
}

func (c *BinanceRESTClient) getJSON(ctx context.Context, endpoint, path string, q url.Values, dst interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	metrics.APIRequests.WithLabelValues(endpoint).Inc()
	err := c.do(ctx, path, q, dst)
	if err != nil {
		metrics.APIErrors.WithLabelValues(endpoint).Inc()
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return nil
}

func (c *BinanceRESTClient) do(ctx context.Context, path string, q url.Values, dst interface{}) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	endpoint := c.BaseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Endpoint: path, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// parseKlines 解析 [openTime, open, high, low, close, ...] 形式的数组。
func parseKlines(rows [][]json.RawMessage) ([]market.Kline, error) {
	out := make([]market.Kline, 0, len(rows))
	for i, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("kline %d: short row (%d fields)", i, len(row))
		}
		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("kline %d open time: %w", i, err)
		}
		var vals [4]float64
		for j := 0; j < 4; j++ {
			var s json.Number
			if err := json.Unmarshal(row[j+1], &s); err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			f, err := s.Float64()
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			vals[j] = f
		}
		out = append(out, market.Kline{
			Open:  vals[0],
			High:  vals[1],
			Low:   vals[2],
			Close: vals[3],
			Ts:    time.UnixMilli(openMs).UTC(),
		})
	}
	return out, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

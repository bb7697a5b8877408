package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockTicker 一个标的的 24h 统计与 K 线波幅
type MockTicker struct {
	Symbol      string
	LastPrice   float64
	QuoteVolume float64
	Change      float64
	Range       float64 // 每根 K 线的真实波幅，NATR = Range/LastPrice*100
}

// MockExchange 模拟 binance 现货 REST + combined trade stream（用于集成测试）
type MockExchange struct {
	server *httptest.Server

	mu       sync.Mutex
	tickers  []MockTicker
	conns    map[*websocket.Conn]string // conn -> streams 参数
	writeMu  map[*websocket.Conn]*sync.Mutex
	nextID   int64
	upgrader websocket.Upgrader

	// 统计
	tickerRequests int
	klineRequests  int
}

func NewMockExchange(tickers ...MockTicker) *MockExchange {
	m := &MockExchange{
		tickers: tickers,
		conns:   make(map[*websocket.Conn]string),
		writeMu: make(map[*websocket.Conn]*sync.Mutex),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/24hr", m.handleTicker)
	mux.HandleFunc("/api/v3/klines", m.handleKlines)
	mux.HandleFunc("/stream", m.handleStream)
	m.server = httptest.NewServer(mux)
	return m
}

// RESTURL REST 根地址
func (m *MockExchange) RESTURL() string { return m.server.URL }

// WSURL ws 根地址
func (m *MockExchange) WSURL() string { return "ws" + strings.TrimPrefix(m.server.URL, "http") }

// Close 关闭所有连接与服务
func (m *MockExchange) Close() {
	m.DropStreams()
	m.server.Close()
}

// Streams 当前连接订阅的 streams 参数
func (m *MockExchange) Streams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for _, s := range m.conns {
		out = append(out, s)
	}
	return out
}

// Requests REST 请求计数
func (m *MockExchange) Requests() (tickers, klines int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickerRequests, m.klineRequests
}

// PushTrade 向所有订阅了该标的的连接推送一笔成交，返回送达的连接数
func (m *MockExchange) PushTrade(symbol string, price, qty float64, buyerMaker bool) int {
	stream := strings.ToLower(symbol) + "@trade"
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	type target struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	var targets []target
	for c, streams := range m.conns {
		if strings.Contains(streams, stream) {
			targets = append(targets, target{conn: c, mu: m.writeMu[c]})
		}
	}
	m.mu.Unlock()

	now := time.Now().UnixMilli()
	msg := fmt.Sprintf(`{"stream":"%s","data":{"e":"trade","E":%d,"s":"%s","t":%d,"p":"%s","q":"%s","T":%d,"m":%t,"M":true}}`,
		stream, now, symbol, id, formatFloat(price), formatFloat(qty), now, buyerMaker)
	sent := 0
	for _, t := range targets {
		t.mu.Lock()
		err := t.conn.WriteMessage(websocket.TextMessage, []byte(msg))
		t.mu.Unlock()
		if err == nil {
			sent++
		}
	}
	return sent
}

// DropStreams 断开全部上游连接
func (m *MockExchange) DropStreams() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[*websocket.Conn]string)
	m.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

func (m *MockExchange) handleTicker(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	m.tickerRequests++
	rows := make([]map[string]string, 0, len(m.tickers))
	for _, t := range m.tickers {
		rows = append(rows, map[string]string{
			"symbol":             t.Symbol,
			"lastPrice":          formatFloat(t.LastPrice),
			"quoteVolume":        formatFloat(t.QuoteVolume),
			"priceChangePercent": formatFloat(t.Change),
		})
	}
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (m *MockExchange) handleKlines(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	m.mu.Lock()
	m.klineRequests++
	var tk *MockTicker
	for i := range m.tickers {
		if m.tickers[i].Symbol == symbol {
			tk = &m.tickers[i]
		}
	}
	m.mu.Unlock()
	if tk == nil {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
		return
	}
	p := tk.LastPrice
	rows := make([][]any, 0, limit)
	for i := 0; i < limit; i++ {
		open := int64(i) * 60000
		rows = append(rows, []any{
			open, formatFloat(p), formatFloat(p + tk.Range/2), formatFloat(p - tk.Range/2), formatFloat(p),
			"1", open + 59999,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (m *MockExchange) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conns[conn] = r.URL.Query().Get("streams")
	m.writeMu[conn] = &sync.Mutex{}
	m.mu.Unlock()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	m.mu.Lock()
	delete(m.conns, conn)
	delete(m.writeMu, conn)
	m.mu.Unlock()
	_ = conn.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

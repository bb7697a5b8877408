package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BinanceSpotWSEndpoint 现货 combined stream 默认地址。
const BinanceSpotWSEndpoint = "wss://stream.binance.com:9443"

// ErrNoStreams 没有任何需要订阅的标的。
var ErrNoStreams = errors.New("no streams subscribed")

// TradeStreamDialer 为一组标的建立 <symbol>@trade combined stream。
type TradeStreamDialer struct {
	BaseEndpoint string
	Dialer       *websocket.Dialer
	ReadTimeout  time.Duration // 超过该时间无任何消息视为断线
}

func NewTradeStreamDialer(endpoint string, readTimeout time.Duration) *TradeStreamDialer {
	if endpoint == "" {
		endpoint = BinanceSpotWSEndpoint
	}
	return &TradeStreamDialer{
		BaseEndpoint: endpoint,
		Dialer:       websocket.DefaultDialer,
		ReadTimeout:  readTimeout,
	}
}

// TradeStreamURL 构建 /stream?streams=a@trade/b@trade。
func TradeStreamURL(base string, symbols []string) (string, error) {
	if len(symbols) == 0 {
		return "", ErrNoStreams
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse ws endpoint: %w", err)
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	u.Path = "/stream"
	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial 建立连接；返回的 TradeStream 由调用方负责关闭。
func (d *TradeStreamDialer) Dial(ctx context.Context, symbols []string) (*TradeStream, error) {
	endpoint, err := TradeStreamURL(d.BaseEndpoint, symbols)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ts := &TradeStream{conn: conn, timeout: timeout}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	// binance 服务端 ping，gorilla 默认回 pong；这里顺带续期读超时
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	return ts, nil
}

// TradeStream 单条上游连接。
type TradeStream struct {
	conn      *websocket.Conn
	timeout   time.Duration
	closeOnce sync.Once
}

// ReadMessage 阻塞读取下一条原始消息，连接断开或超时返回错误。
func (s *TradeStream) ReadMessage() ([]byte, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	return msg, nil
}

// Close 幂等关闭。
func (s *TradeStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

// Client 一个 WebSocket 订阅者，写由独立 goroutine 完成。
type Client struct {
	id        string
	conn      *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, queue int) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send 非阻塞入队。
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlow
	}
}

// Close 幂等关闭连接。
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Server 把 HTTP 请求升级为订阅者连接。
type Server struct {
	Registry     *Registry
	Greeting     func() any // 新连接的首条消息，可为 nil
	QueueSize    int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Debug("upgrade failed", zap.Error(err))
		return
	}
	queue := s.QueueSize
	if queue <= 0 {
		queue = 256
	}
	cl := newClient(conn, queue)

	if s.Greeting != nil {
		if msg, err := json.Marshal(s.Greeting()); err == nil {
			_ = cl.Send(msg)
		}
	}
	s.Registry.Add(cl)
	go s.writeLoop(cl)
	s.readLoop(cl)
	s.Registry.Remove(cl.ID())
}

func (s *Server) writeLoop(cl *Client) {
	ping := time.NewTicker(s.pingInterval())
	defer ping.Stop()
	for {
		select {
		case msg := <-cl.out:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = cl.Close()
				return
			}
		case <-ping.C:
			if err := cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				_ = cl.Close()
				return
			}
		case <-cl.done:
			return
		}
	}
}

// readLoop 只用于感知断开与续期，入站消息忽略。
func (s *Server) readLoop(cl *Client) {
	timeout := s.readTimeout()
	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(timeout))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(timeout))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval > 0 {
		return s.PingInterval
	}
	return 45 * time.Second
}

func (s *Server) readTimeout() time.Duration {
	if s.ReadTimeout > 0 {
		return s.ReadTimeout
	}
	return 90 * time.Second
}

func (s *Server) writeTimeout() time.Duration {
	if s.WriteTimeout > 0 {
		return s.WriteTimeout
	}
	return 10 * time.Second
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tradeflow-monitor/metrics"
)

var (
	// ErrClosed 订阅者已断开，广播时惰性移除。
	ErrClosed = errors.New("subscriber closed")
	// ErrSlow 订阅者队列已满，本条消息对其丢弃。
	ErrSlow = errors.New("subscriber queue full")
)

// Subscriber is one downstream consumer. Send must never block.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Registry 订阅者集合；广播只序列化一次，每个订阅者独立投递。
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]Subscriber
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{subs: make(map[string]Subscriber), logger: logger}
}

// Add registers a subscriber.
func (r *Registry) Add(s Subscriber) {
	r.mu.Lock()
	r.subs[s.ID()] = s
	n := len(r.subs)
	r.mu.Unlock()
	metrics.Subscribers.Set(float64(n))
	r.logger.Info("subscriber added", zap.String("id", s.ID()), zap.Int("subscribers", n))
}

// Remove unregisters and closes a subscriber. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	n := len(r.subs)
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = s.Close()
	metrics.Subscribers.Set(float64(n))
	r.logger.Info("subscriber removed", zap.String("id", id), zap.Int("subscribers", n))
}

// Len 当前订阅者数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Broadcast 序列化一次后逐个投递；慢订阅者丢消息，已关闭的订阅者被移除。
// 返回成功投递的订阅者数。
func (r *Registry) Broadcast(v any) int {
	msg, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("marshal broadcast", zap.Error(err))
		return 0
	}
	return r.BroadcastRaw(msg)
}

// BroadcastRaw delivers an already encoded message.
func (r *Registry) BroadcastRaw(msg []byte) int {
	var (
		delivered int
		closed    []string
	)
	r.mu.RLock()
	for id, s := range r.subs {
		switch err := s.Send(msg); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSlow):
			metrics.DeliveryDropped.Inc()
		default:
			closed = append(closed, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range closed {
		r.Remove(id)
	}
	return delivered
}

// CloseAll 关闭全部订阅者（进程退出时）
func (r *Registry) CloseAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]Subscriber)
	r.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	metrics.Subscribers.Set(0)
}

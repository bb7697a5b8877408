package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeflow-monitor/gateway"
	"tradeflow-monitor/market"
	"tradeflow-monitor/metrics"
)

// ErrNoSymbols 订阅集合为空时无法建立连接。
var ErrNoSymbols = errors.New("feed: no symbols to subscribe")

// Stream is one live upstream connection.
type Stream interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a stream subscribed to the given symbols.
type Dialer interface {
	Dial(ctx context.Context, symbols []string) (Stream, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, symbols []string) (Stream, error)

func (f DialFunc) Dial(ctx context.Context, symbols []string) (Stream, error) {
	return f(ctx, symbols)
}

// BinanceDialer wraps the gateway combined-stream dialer.
func BinanceDialer(d *gateway.TradeStreamDialer) Dialer {
	return DialFunc(func(ctx context.Context, symbols []string) (Stream, error) {
		st, err := d.Dial(ctx, symbols)
		if err != nil {
			return nil, err
		}
		return st, nil
	})
}

// TradeSink receives every trade the supervisor lets through.
type TradeSink interface {
	OnTrade(market.Trade)
}

// Config 连接监督参数。
type Config struct {
	ReconnectAttempts     int
	BaseDelay             time.Duration
	FallbackRetryInterval time.Duration
}

type dropEvent struct {
	gen uint64
	err error
}

// Supervisor owns the upstream trade connection. Run is the only goroutine that touches
// the connection fields; readers report drops back to it tagged with their generation.
type Supervisor struct {
	cfg    Config
	dialer Dialer
	sink   TradeSink
	synth  *SyntheticGenerator
	logger *zap.Logger

	// mu guards state and subscribed; trade delivery holds the read side so a state
	// switch waits for in-flight deliveries.
	mu         sync.RWMutex
	state      State
	subscribed []string

	onConnected func()
	onState     func(State)

	resubCh chan []string
	dropCh  chan dropEvent

	// event-loop owned
	desired     []string
	stream      Stream
	gen         uint64
	retry       *time.Timer
	nextAttempt int // 0 = initial connect, k = k-th reconnect attempt
	synthCancel context.CancelFunc
	synthDone   chan struct{}
}

func NewSupervisor(cfg Config, dialer Dialer, sink TradeSink, synth *SyntheticGenerator, logger *zap.Logger) *Supervisor {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.FallbackRetryInterval <= 0 {
		cfg.FallbackRetryInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		sink:    sink,
		synth:   synth,
		logger:  logger,
		state:   StateDisconnected,
		resubCh: make(chan []string, 1),
		dropCh:  make(chan dropEvent, 4),
	}
}

// SetOnConnected 每次（重新）建立连接后回调，在事件循环中执行，不能阻塞。
func (s *Supervisor) SetOnConnected(fn func()) {
	s.onConnected = fn
}

// SetStateHook 状态变化回调
func (s *Supervisor) SetStateHook(fn func(State)) {
	s.onState = fn
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Symbols returns the symbol set of the live connection.
func (s *Supervisor) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subscribed...)
}

// Resubscribe asks the event loop to move to a new symbol set. Only the latest pending
// request is kept.
func (s *Supervisor) Resubscribe(symbols []string) {
	syms := normalizeSymbols(symbols)
	for {
		select {
		case s.resubCh <- syms:
			return
		default:
		}
		select {
		case <-s.resubCh:
		default:
		}
	}
}

// Run drives the state machine until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()
	for {
		var retryC <-chan time.Time
		if s.retry != nil {
			retryC = s.retry.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case syms := <-s.resubCh:
			s.handleResubscribe(ctx, syms)
		case d := <-s.dropCh:
			s.handleDrop(d)
		case <-retryC:
			s.retry = nil
			s.attempt(ctx)
		}
	}
}

func (s *Supervisor) handleResubscribe(ctx context.Context, syms []string) {
	if len(syms) == 0 {
		s.logger.Warn("empty symbol set, keeping current subscription")
		return
	}
	if s.stream != nil {
		if equalSymbols(syms, s.Symbols()) {
			return
		}
		s.desired = syms
		s.handover(ctx, syms)
		return
	}
	changed := !equalSymbols(syms, s.desired)
	s.desired = syms
	if s.retry == nil && s.State() != StateFallback {
		s.attempt(ctx)
		return
	}
	if changed {
		s.logger.Info("subscription updated while disconnected", zap.Int("symbols", len(syms)))
	}
}

// handover dials the new stream before closing the old one.
func (s *Supervisor) handover(ctx context.Context, syms []string) {
	next, err := s.dialer.Dial(ctx, syms)
	if err != nil {
		metrics.FeedFailures.Inc()
		s.logger.Warn("resubscribe dial failed, keeping old stream", zap.Error(err))
		return
	}
	metrics.Resubscriptions.Inc()
	s.logger.Info("resubscribed", zap.Int("symbols", len(syms)))
	s.adopt(ctx, next, syms)
}

func (s *Supervisor) attempt(ctx context.Context) {
	syms := s.desired
	if len(syms) == 0 {
		s.logger.Debug("connect skipped", zap.Error(ErrNoSymbols))
		return
	}
	inFallback := s.State() == StateFallback
	if !inFallback {
		s.setState(StateConnecting)
	}
	st, err := s.dialer.Dial(ctx, syms)
	if err == nil {
		s.adopt(ctx, st, syms)
		return
	}
	if ctx.Err() != nil {
		return
	}
	metrics.FeedFailures.Inc()

	if inFallback {
		s.logger.Warn("fallback probe failed", zap.Error(err))
		s.schedule(s.cfg.FallbackRetryInterval, s.nextAttempt)
		return
	}
	k := s.nextAttempt
	if k == 0 {
		s.logger.Warn("initial connect failed", zap.Error(err))
		s.setState(StateDisconnected)
		s.schedule(ReconnectDelay(s.cfg.BaseDelay, 1), 1)
		return
	}
	if k >= s.cfg.ReconnectAttempts {
		s.logger.Error("reconnect attempts exhausted, entering fallback",
			zap.Int("attempts", k), zap.Error(err))
		s.enterFallback(ctx)
		s.schedule(s.cfg.FallbackRetryInterval, k)
		return
	}
	s.logger.Warn("reconnect failed",
		zap.Int("attempt", k), zap.Int("max", s.cfg.ReconnectAttempts), zap.Error(err))
	s.setState(StateDisconnected)
	s.schedule(ReconnectDelay(s.cfg.BaseDelay, k+1), k+1)
}

// adopt installs st as the live stream. The generator is stopped and the state is
// CONNECTED before the new reader starts; any previous stream is closed after it.
func (s *Supervisor) adopt(ctx context.Context, st Stream, syms []string) {
	s.stopRetry()
	s.stopSynthetic()
	s.nextAttempt = 0

	s.mu.Lock()
	prev := s.state
	s.state = StateConnected
	s.subscribed = append([]string(nil), syms...)
	s.mu.Unlock()
	s.stateChanged(prev, StateConnected)

	old := s.stream
	s.gen++
	s.stream = st
	go s.read(ctx, s.gen, st)

	metrics.FeedConnects.Inc()
	metrics.SubscribedSymbols.Set(float64(len(syms)))
	s.logger.Info("upstream connected", zap.Int("symbols", len(syms)), zap.Uint64("gen", s.gen))

	if old != nil {
		_ = old.Close()
	}
	if s.onConnected != nil {
		s.onConnected()
	}
}

func (s *Supervisor) handleDrop(d dropEvent) {
	if d.gen != s.gen || s.stream == nil {
		return
	}
	s.logger.Warn("upstream dropped", zap.Uint64("gen", d.gen), zap.Error(d.err))
	metrics.FeedFailures.Inc()
	_ = s.stream.Close()
	s.stream = nil
	s.setState(StateDisconnected)
	s.schedule(ReconnectDelay(s.cfg.BaseDelay, 1), 1)
}

func (s *Supervisor) read(ctx context.Context, gen uint64, st Stream) {
	for {
		raw, err := st.ReadMessage()
		if err != nil {
			select {
			case s.dropCh <- dropEvent{gen: gen, err: err}:
			case <-ctx.Done():
			}
			return
		}
		s.handleMessage(raw)
	}
}

func (s *Supervisor) handleMessage(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("trade handler panic", zap.Any("panic", r))
		}
	}()
	trade, err := gateway.ParseCombinedTrade(raw)
	if err != nil {
		if errors.Is(err, gateway.ErrNonTrade) {
			return
		}
		metrics.MalformedMessages.Inc()
		s.logger.Debug("malformed message dropped", zap.Error(err))
		return
	}
	s.deliver(trade, false)
}

// deliver forwards a trade only when its source owns the store:
// live while not in fallback, synthetic only in fallback.
func (s *Supervisor) deliver(t market.Trade, synthetic bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if (s.state == StateFallback) != synthetic {
		return
	}
	s.sink.OnTrade(t)
}

func (s *Supervisor) enterFallback(ctx context.Context) {
	s.setState(StateFallback)
	metrics.FallbackActivations.Inc()
	if s.synth == nil {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.synthCancel = cancel
	s.synthDone = done
	go func() {
		defer close(done)
		s.synth.Run(sctx, func(t market.Trade) { s.deliver(t, true) })
	}()
	s.logger.Info("synthetic generator started")
}

func (s *Supervisor) stopSynthetic() {
	if s.synthCancel == nil {
		return
	}
	s.synthCancel()
	<-s.synthDone
	s.synthCancel = nil
	s.synthDone = nil
	s.logger.Info("synthetic generator stopped")
}

func (s *Supervisor) schedule(d time.Duration, attempt int) {
	s.stopRetry()
	s.nextAttempt = attempt
	s.retry = time.NewTimer(d)
}

func (s *Supervisor) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.stateChanged(prev, next)
}

func (s *Supervisor) stateChanged(prev, next State) {
	metrics.FeedState.Set(float64(next))
	if prev == next {
		return
	}
	s.logger.Debug("state change", zap.String("from", prev.String()), zap.String("to", next.String()))
	if s.onState != nil {
		s.onState(next)
	}
}

func (s *Supervisor) shutdown() {
	s.stopRetry()
	s.stopSynthetic()
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.setState(StateDisconnected)
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func equalSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String 调试输出
func (s *Supervisor) String() string {
	return fmt.Sprintf("Supervisor{state=%s symbols=%d}", s.State(), len(s.Symbols()))
}

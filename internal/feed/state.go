package feed

import (
	"math"
	"time"
)

// State 上游连接状态机。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFallback
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFallback:
		return "FALLBACK"
	default:
		return "UNKNOWN"
	}
}

// maxReconnectDelay 退避上限，溢出时饱和到这里。
const maxReconnectDelay = time.Duration(math.MaxInt64)

// ReconnectDelay is the wait before reconnect attempt k (1-based): base * 2^(k-1),
// saturating at maxReconnectDelay.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	shift := uint(attempt - 1)
	if shift >= 63 || base > maxReconnectDelay>>shift {
		return maxReconnectDelay
	}
	return base << shift
}

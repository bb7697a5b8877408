package gateway

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter 控制请求速率，避免触发交易所限流。*rate.Limiter 直接满足该接口。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// NewRateLimiter 令牌桶：每秒 rps 个令牌，最多突发 burst 个。
func NewRateLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

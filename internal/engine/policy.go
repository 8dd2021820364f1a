package engine

import (
	"context"
	"errors"
	"time"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

// retryPolicy 控制腿级别的瞬时错误重试，默认重试1次、指数退避。
type retryPolicy struct {
	maxRetries int
	minDelay   time.Duration
	maxDelay   time.Duration
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := p.minDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay && p.maxDelay > 0 {
			return p.maxDelay
		}
	}
	if p.maxDelay > 0 && delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

// legStateFor 将下单失败映射为腿的结果状态：
// 瞬时错误记为 TIMED_OUT，明确拒绝记为 REJECTED。
func legStateFor(err error) plan.LegState {
	if errors.Is(err, context.DeadlineExceeded) || exchange.IsRetryable(err) {
		return plan.LegTimedOut
	}
	return plan.LegRejected
}

// sleepFor 在可取消的前提下等待给定时长。
func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

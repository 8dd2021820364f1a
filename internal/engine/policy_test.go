package engine

import (
	"context"
	"testing"
	"time"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

func TestRetryPolicy_BackoffDoublesAndCaps(t *testing.T) {
	p := retryPolicy{maxRetries: 5, minDelay: time.Second, maxDelay: 5 * time.Second}

	if got := p.backoff(1); got != time.Second {
		t.Errorf("第1次退避应为1s，得到 %v", got)
	}
	if got := p.backoff(2); got != 2*time.Second {
		t.Errorf("第2次退避应为2s，得到 %v", got)
	}
	if got := p.backoff(3); got != 4*time.Second {
		t.Errorf("第3次退避应为4s，得到 %v", got)
	}
	if got := p.backoff(4); got != 5*time.Second {
		t.Errorf("第4次退避应封顶在5s，得到 %v", got)
	}
	if got := p.backoff(10); got != 5*time.Second {
		t.Errorf("后续退避应保持封顶，得到 %v", got)
	}
}

func TestLegStateFor(t *testing.T) {
	if got := legStateFor(exchange.ErrRateLimited); got != plan.LegTimedOut {
		t.Errorf("限频错误应记为 TIMED_OUT，得到 %s", got)
	}
	if got := legStateFor(context.DeadlineExceeded); got != plan.LegTimedOut {
		t.Errorf("超时应记为 TIMED_OUT，得到 %s", got)
	}
	if got := legStateFor(&exchange.RejectedError{Reason: "bad qty"}); got != plan.LegRejected {
		t.Errorf("明确拒绝应记为 REJECTED，得到 %s", got)
	}
}

func TestSleepFor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepFor(ctx, time.Minute); err == nil {
		t.Fatalf("已取消的上下文应立即返回错误")
	}
}

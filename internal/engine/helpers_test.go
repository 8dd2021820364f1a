package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"algo-trader/internal/config"
	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

type mockExchange struct {
	mu        sync.Mutex
	calls     []string
	placed    []exchange.OrderRequest
	cancelled []string
	nextID    int

	placeFn    func(id string, req exchange.OrderRequest) (exchange.OrderAck, error)
	cancelFn   func(symbol, orderID string) error
	statusFn   func(symbol, orderID string) (exchange.OrderState, error)
	priceFn    func(symbol string) (float64, error)
	validateFn func(symbol string) error
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "PlaceOrder")
	m.nextID++
	id := fmt.Sprintf("order-%d", m.nextID)
	fn := m.placeFn
	m.mu.Unlock()

	ack := exchange.OrderAck{ExchangeOrderID: id, State: exchange.OrderStateFilled, SubmittedAt: time.Now()}
	if fn != nil {
		var err error
		ack, err = fn(id, req)
		if err != nil {
			return exchange.OrderAck{}, err
		}
		if ack.ExchangeOrderID == "" {
			ack.ExchangeOrderID = id
		}
	}

	m.mu.Lock()
	m.placed = append(m.placed, req)
	m.mu.Unlock()
	return ack, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	m.calls = append(m.calls, "CancelOrder")
	fn := m.cancelFn
	m.mu.Unlock()

	if fn != nil {
		if err := fn(symbol, orderID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.cancelled = append(m.cancelled, orderID)
	m.mu.Unlock()
	return nil
}

func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderState, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "GetOrderStatus")
	fn := m.statusFn
	m.mu.Unlock()

	if fn != nil {
		return fn(symbol, orderID)
	}
	return exchange.OrderStateFilled, nil
}

func (m *mockExchange) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "GetCurrentPrice")
	fn := m.priceFn
	m.mu.Unlock()

	if fn != nil {
		return fn(symbol)
	}
	return 100, nil
}

func (m *mockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderInfo, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "GetOpenOrders")
	m.mu.Unlock()
	return nil, nil
}

func (m *mockExchange) ValidateSymbol(ctx context.Context, symbol string) error {
	m.mu.Lock()
	m.calls = append(m.calls, "ValidateSymbol")
	fn := m.validateFn
	m.mu.Unlock()

	if fn != nil {
		return fn(symbol)
	}
	return nil
}

func (m *mockExchange) callList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockExchange) placedList() []exchange.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]exchange.OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

func (m *mockExchange) cancelledList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxConcurrentPlans: 4,
		PollInterval:       time.Millisecond,
		LegRetries:         1,
		RetryMinDelay:      time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
	}
}

func newTestSupervisor(client ExchangeClient) *Supervisor {
	return NewSupervisor(testEngineConfig(), client, nil, zap.NewNop())
}

func runningPlan(t *testing.T, spec plan.Spec) *plan.Plan {
	t.Helper()
	if err := spec.Validate(); err != nil {
		t.Fatalf("测试用计划参数非法: %v", err)
	}
	p := plan.New(spec)
	if !p.MarkRunning() {
		t.Fatalf("无法将计划置为 RUNNING")
	}
	return p
}

func twapSpec(total float64, slices int, duration time.Duration) plan.Spec {
	return plan.Spec{
		Kind:   plan.KindTWAP,
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.OrderSideBuy,
		TWAP: &plan.TWAPParams{
			TotalQuantity: total,
			Duration:      duration,
			Slices:        slices,
		},
	}
}

func gridSpec(lower, upper float64, levels int, total float64) plan.Spec {
	return plan.Spec{
		Kind:   plan.KindGrid,
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.OrderSideBuy,
		Grid: &plan.GridParams{
			LowerPrice:    lower,
			UpperPrice:    upper,
			Levels:        levels,
			TotalQuantity: total,
		},
	}
}

func trailingSpec(qty, rate, threshold float64) plan.Spec {
	return plan.Spec{
		Kind:   plan.KindTrailingStop,
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.OrderSideSell,
		Trailing: &plan.TrailingStopParams{
			Quantity:       qty,
			CallbackRate:   rate,
			RearmThreshold: threshold,
		},
	}
}

func ocoSpec(qty, stopPrice, limitPrice float64) plan.Spec {
	return plan.Spec{
		Kind:   plan.KindOCO,
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.OrderSideSell,
		OCO: &plan.OCOParams{
			Quantity:   qty,
			StopPrice:  stopPrice,
			LimitPrice: limitPrice,
		},
	}
}

func waitForStatus(t *testing.T, s *Supervisor, id string, want plan.Status) plan.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.GetPlanStatus(id)
		if err != nil {
			t.Fatalf("查询计划状态失败: %v", err)
		}
		if snap.Status == want {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	snap, _ := s.GetPlanStatus(id)
	t.Fatalf("等待计划进入 %s 超时，当前状态 %s", want, snap.Status)
	return plan.Snapshot{}
}

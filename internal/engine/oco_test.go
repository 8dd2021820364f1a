package engine

import (
	"context"
	"strings"
	"testing"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

func TestRunOCO_LimitWinsCancelsStop(t *testing.T) {
	mock := &mockExchange{}
	mock.placeFn = func(id string, req exchange.OrderRequest) (exchange.OrderAck, error) {
		return exchange.OrderAck{ExchangeOrderID: id, State: exchange.OrderStateOpen}, nil
	}
	mock.statusFn = func(symbol, orderID string) (exchange.OrderState, error) {
		if orderID == "order-2" {
			return exchange.OrderStateFilled, nil
		}
		return exchange.OrderStateOpen, nil
	}

	s := newTestSupervisor(mock)
	p := runningPlan(t, ocoSpec(0.5, 95, 105))

	if err := s.runOCO(context.Background(), p); err != nil {
		t.Fatalf("runOCO 返回错误: %v", err)
	}

	placed := mock.placedList()
	if len(placed) != 2 {
		t.Fatalf("应挂出止损与限价两腿，得到 %d", len(placed))
	}
	if placed[0].Type != exchange.OrderTypeStop || placed[1].Type != exchange.OrderTypeLimit {
		t.Errorf("两腿类型应为 stop_market 与 limit，得到 %s 与 %s", placed[0].Type, placed[1].Type)
	}

	cancelled := mock.cancelledList()
	if len(cancelled) != 1 || cancelled[0] != "order-1" {
		t.Fatalf("限价腿成交后应撤销止损腿，撤单记录 %v", cancelled)
	}

	snap := p.Snapshot()
	if snap.Legs[0].State != plan.LegCancelled {
		t.Errorf("止损腿应为 CANCELLED，得到 %s", snap.Legs[0].State)
	}
	if snap.Legs[1].State != plan.LegFilled {
		t.Errorf("限价腿应为 FILLED，得到 %s", snap.Legs[1].State)
	}
}

func TestRunOCO_StopWinsCancelsLimit(t *testing.T) {
	mock := &mockExchange{}
	mock.placeFn = func(id string, req exchange.OrderRequest) (exchange.OrderAck, error) {
		return exchange.OrderAck{ExchangeOrderID: id, State: exchange.OrderStateOpen}, nil
	}
	mock.statusFn = func(symbol, orderID string) (exchange.OrderState, error) {
		if orderID == "order-1" {
			return exchange.OrderStateFilled, nil
		}
		return exchange.OrderStateOpen, nil
	}

	s := newTestSupervisor(mock)
	p := runningPlan(t, ocoSpec(0.5, 95, 105))

	if err := s.runOCO(context.Background(), p); err != nil {
		t.Fatalf("runOCO 返回错误: %v", err)
	}

	cancelled := mock.cancelledList()
	if len(cancelled) != 1 || cancelled[0] != "order-2" {
		t.Fatalf("止损腿成交后应撤销限价腿，撤单记录 %v", cancelled)
	}
}

func TestRunOCO_DoubleFillIsNotAnError(t *testing.T) {
	mock := &mockExchange{}
	mock.placeFn = func(id string, req exchange.OrderRequest) (exchange.OrderAck, error) {
		return exchange.OrderAck{ExchangeOrderID: id, State: exchange.OrderStateOpen}, nil
	}
	mock.statusFn = func(symbol, orderID string) (exchange.OrderState, error) {
		if orderID == "order-2" {
			return exchange.OrderStateFilled, nil
		}
		return exchange.OrderStateOpen, nil
	}
	mock.cancelFn = func(symbol, orderID string) error {
		return exchange.ErrAlreadyFilled
	}

	s := newTestSupervisor(mock)
	p := runningPlan(t, ocoSpec(0.5, 95, 105))

	if err := s.runOCO(context.Background(), p); err != nil {
		t.Fatalf("双腿成交应为非错误结局: %v", err)
	}

	snap := p.Snapshot()
	if snap.Metrics.LegsFilled != 2 {
		t.Fatalf("双腿均应记为成交，得到 %d", snap.Metrics.LegsFilled)
	}
	found := false
	for _, note := range snap.Notes {
		if strings.Contains(note, "双腿成交") {
			found = true
		}
	}
	if !found {
		t.Errorf("双腿成交应留下备注，notes=%v", snap.Notes)
	}
}

func TestRunOCO_BothTerminalWithoutFillFails(t *testing.T) {
	mock := &mockExchange{}
	mock.placeFn = func(id string, req exchange.OrderRequest) (exchange.OrderAck, error) {
		return exchange.OrderAck{ExchangeOrderID: id, State: exchange.OrderStateOpen}, nil
	}
	mock.statusFn = func(symbol, orderID string) (exchange.OrderState, error) {
		return exchange.OrderStateRejected, nil
	}

	s := newTestSupervisor(mock)
	p := runningPlan(t, ocoSpec(0.5, 95, 105))

	err := s.runOCO(context.Background(), p)
	if err == nil {
		t.Fatalf("两腿均未成交时计划应失败")
	}
	if !strings.Contains(err.Error(), "均未成交") {
		t.Errorf("错误信息应说明两腿均未成交，得到 %v", err)
	}
}

func TestRunOCO_LimitSubmitFailureRecoversStop(t *testing.T) {
	mock := &mockExchange{}
	mock.placeFn = func(id string, req exchange.OrderRequest) (exchange.OrderAck, error) {
		if req.Type == exchange.OrderTypeLimit {
			return exchange.OrderAck{}, &exchange.RejectedError{Reason: "price filter"}
		}
		return exchange.OrderAck{ExchangeOrderID: id, State: exchange.OrderStateOpen}, nil
	}

	s := newTestSupervisor(mock)
	p := runningPlan(t, ocoSpec(0.5, 95, 105))

	err := s.runOCO(context.Background(), p)
	if err == nil {
		t.Fatalf("限价腿提交失败时计划应失败")
	}

	cancelled := mock.cancelledList()
	if len(cancelled) != 1 || cancelled[0] != "order-1" {
		t.Fatalf("限价腿失败后应撤销已挂出的止损腿，撤单记录 %v", cancelled)
	}
}

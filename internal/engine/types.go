package engine

import (
	"context"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

// ExchangeClient 为引擎消费的交易所能力，真实实现为 exchange.Client。
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderState, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderInfo, error)
	ValidateSymbol(ctx context.Context, symbol string) error
}

var _ ExchangeClient = (*exchange.Client)(nil)

// Recorder 抽象事件落盘能力，方便在测试中替换。
type Recorder interface {
	RecordPlanEvent(ctx context.Context, event string, snapshot plan.Snapshot)
	RecordError(ctx context.Context, msg string, err error, fields map[string]interface{})
}

type nopRecorder struct{}

func (nopRecorder) RecordPlanEvent(context.Context, string, plan.Snapshot) {}

func (nopRecorder) RecordError(context.Context, string, error, map[string]interface{}) {}

// Metrics 为引擎级聚合指标。
type Metrics struct {
	PlansSubmitted int `json:"plans_submitted"`
	PlansCompleted int `json:"plans_completed"`
	PlansFailed    int `json:"plans_failed"`
	PlansCancelled int `json:"plans_cancelled"`
	LegsFilled     int `json:"legs_filled"`
}

type handlerFunc func(ctx context.Context, p *plan.Plan) error

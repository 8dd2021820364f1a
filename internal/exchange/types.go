package exchange

import "time"

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType 表示交易所原生支持的基础订单类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop_market"
)

// OrderState 为交易所订单状态的归一化结果。
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStateFilled   OrderState = "filled"
	OrderStateCanceled OrderState = "canceled"
	OrderStateRejected OrderState = "rejected"
	OrderStateUnknown  OrderState = "unknown"
)

// Terminal 判断状态是否为终态。
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// OrderRequest 描述一笔提交给交易所的委托。
type OrderRequest struct {
	Symbol    string
	Side      OrderSide
	Type      OrderType
	Quantity  float64
	Price     float64 // limit 单必填
	StopPrice float64 // stop_market 单必填
	Params    map[string]interface{}
}

// OrderAck 为交易所对下单请求的确认。
type OrderAck struct {
	ExchangeOrderID string
	State           OrderState
	SubmittedAt     time.Time
}

// OrderInfo 描述一笔挂单的概要。
type OrderInfo struct {
	ExchangeOrderID string
	Symbol          string
	Side            OrderSide
	Type            string
	Quantity        float64
	Filled          float64
	Price           float64
	State           OrderState
}

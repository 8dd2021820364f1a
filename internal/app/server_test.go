package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"algo-trader/internal/exchange"
)

type stubOrderLister struct {
	orders  []exchange.OrderInfo
	err     error
	symbols []string
}

func (s *stubOrderLister) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderInfo, error) {
	s.symbols = append(s.symbols, symbol)
	if s.err != nil {
		return nil, s.err
	}
	return s.orders, nil
}

func TestHandleOpenOrders_DefaultsToConfiguredMarket(t *testing.T) {
	stub := &stubOrderLister{
		orders: []exchange.OrderInfo{
			{ExchangeOrderID: "oid-1", Symbol: "BTC/USDT:USDT", Side: exchange.OrderSideBuy, Quantity: 0.5},
		},
	}
	api := &apiServer{orders: stub, market: "BTC/USDT:USDT", logger: zap.NewNop()}

	rec := httptest.NewRecorder()
	api.handleOpenOrders(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("应返回200，得到 %d", rec.Code)
	}
	if len(stub.symbols) != 1 || stub.symbols[0] != "BTC/USDT:USDT" {
		t.Fatalf("缺省时应查询配置的交易对，得到 %v", stub.symbols)
	}

	var got []exchange.OrderInfo
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(got) != 1 || got[0].ExchangeOrderID != "oid-1" {
		t.Errorf("响应应包含挂单列表，得到 %+v", got)
	}
}

func TestHandleOpenOrders_ExplicitSymbol(t *testing.T) {
	stub := &stubOrderLister{}
	api := &apiServer{orders: stub, market: "BTC/USDT:USDT", logger: zap.NewNop()}

	rec := httptest.NewRecorder()
	api.handleOpenOrders(rec, httptest.NewRequest(http.MethodGet, "/orders?symbol=ETH/USDT:USDT", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("应返回200，得到 %d", rec.Code)
	}
	if len(stub.symbols) != 1 || stub.symbols[0] != "ETH/USDT:USDT" {
		t.Fatalf("应查询请求指定的交易对，得到 %v", stub.symbols)
	}
}

func TestHandleOpenOrders_ExchangeFailure(t *testing.T) {
	stub := &stubOrderLister{err: errors.New("rate limited")}
	api := &apiServer{orders: stub, market: "BTC/USDT:USDT", logger: zap.NewNop()}

	rec := httptest.NewRecorder()
	api.handleOpenOrders(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("交易所查询失败应返回500，得到 %d", rec.Code)
	}
}

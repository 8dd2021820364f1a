package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"algo-trader/internal/config"
)

// Client 负责与交易所交互并实现传输层重试。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// Raw 返回底层 ccxt 客户端。
func (c *Client) Raw() *ccxt.Binanceusdm {
	return c.exchange
}

// PlaceOrder 提交一笔委托并返回交易所确认。
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	var raw ccxt.Order

	err := c.callWithRetry(ctx, fmt.Sprintf("place_%s_order", req.Type), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		params := make(map[string]interface{}, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}

		opts := []ccxt.CreateOrderOptions{}
		switch req.Type {
		case OrderTypeLimit:
			opts = append(opts, ccxt.WithCreateOrderPrice(req.Price))
		case OrderTypeStop:
			params["stopPrice"] = req.StopPrice
		}
		if len(params) > 0 {
			opts = append(opts, ccxt.WithCreateOrderParams(params))
		}

		order, err := c.exchange.CreateOrder(req.Symbol, string(req.Type), string(req.Side), req.Quantity, opts...)
		if err != nil {
			return err
		}

		raw = order
		return nil
	})
	if err != nil {
		return OrderAck{}, err
	}

	id := derefString(raw.Id)
	if id == "" {
		return OrderAck{}, &RejectedError{Reason: "交易所未返回订单ID"}
	}

	return OrderAck{
		ExchangeOrderID: id,
		State:           normalizeStatus(derefString(raw.Status)),
		SubmittedAt:     time.Now().UTC(),
	}, nil
}

// CancelOrder 撤销指定订单。撤单时订单已成交返回 ErrAlreadyFilled。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		_, cancelErr := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return cancelErr
	})
	if err == nil {
		return nil
	}

	// 部分交易所对已成交订单的撤单报 OrderNotFound，需要查单区分。
	if errors.Is(err, ErrNotFound) {
		state, statusErr := c.GetOrderStatus(ctx, symbol, orderID)
		if statusErr == nil && state == OrderStateFilled {
			return ErrAlreadyFilled
		}
	}

	return err
}

// GetOrderStatus 查询订单状态并归一化。
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderState, error) {
	var raw ccxt.Order

	err := c.callWithRetry(ctx, "fetch_order", func() error {
		order, fetchErr := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if fetchErr != nil {
			return fetchErr
		}
		raw = order
		return nil
	})
	if err != nil {
		return OrderStateUnknown, err
	}

	return normalizeStatus(derefString(raw.Status)), nil
}

// GetCurrentPrice 获取最新成交价。
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		ticker, fetchErr := c.exchange.FetchTicker(symbol)
		if fetchErr != nil {
			return fetchErr
		}

		price = derefFloat(ticker.Last)
		if price <= 0 {
			price = derefFloat(ticker.Close)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if price <= 0 {
		return 0, &RejectedError{Reason: fmt.Sprintf("无法解析 %s 的有效价格", symbol)}
	}

	return price, nil
}

// GetOpenOrders 获取指定交易对的全部挂单。
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OrderInfo, error) {
	var raw []ccxt.Order

	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		orders, fetchErr := c.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		if fetchErr != nil {
			return fetchErr
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	infos := make([]OrderInfo, 0, len(raw))
	for _, order := range raw {
		infos = append(infos, OrderInfo{
			ExchangeOrderID: derefString(order.Id),
			Symbol:          derefString(order.Symbol),
			Side:            OrderSide(strings.ToLower(derefString(order.Side))),
			Type:            derefString(order.Type),
			Quantity:        derefFloat(order.Amount),
			Filled:          derefFloat(order.Filled),
			Price:           derefFloat(order.Price),
			State:           normalizeStatus(derefString(order.Status)),
		})
	}

	return infos, nil
}

// ValidateSymbol 校验交易对是否存在且可交易。
func (c *Client) ValidateSymbol(ctx context.Context, symbol string) error {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return err
	}

	market := c.exchange.Market(symbol)
	marketMap, ok := market.(map[string]interface{})
	if !ok || marketMap == nil {
		return &RejectedError{Reason: fmt.Sprintf("未知交易对 %s", symbol)}
	}
	if active, ok := marketMap["active"].(bool); ok && !active {
		return &RejectedError{Reason: fmt.Sprintf("交易对 %s 当前不可交易", symbol)}
	}

	return nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType:
			return fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(ccxtErr.Message)), true
		case ccxt.AuthenticationErrorErrType,
			ccxt.PermissionDeniedErrType,
			ccxt.AccountSuspendedErrType:
			return fmt.Errorf("%w: %s", ErrAuth, strings.TrimSpace(ccxtErr.Message)), false
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(ccxtErr.Message)), false
		case ccxt.InsufficientFundsErrType,
			ccxt.InvalidOrderErrType,
			ccxt.BadSymbolErrType,
			ccxt.BadRequestErrType:
			return &RejectedError{Reason: strings.TrimSpace(ccxtErr.Message)}, false
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func normalizeStatus(status string) OrderState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open", "new", "partially_filled":
		return OrderStateOpen
	case "closed", "filled":
		return OrderStateFilled
	case "canceled", "cancelled":
		return OrderStateCanceled
	case "rejected", "expired":
		return OrderStateRejected
	default:
		return OrderStateUnknown
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

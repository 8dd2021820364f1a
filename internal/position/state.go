package position

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

type balanceClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// AccountBalance 描述账户权益及余额。
type AccountBalance struct {
	TotalWalletBalance float64
	AvailableBalance   float64
	UnrealizedPnl      float64
	TotalMarginBalance float64
	MaxWithdrawAmount  float64
	Timestamp          time.Time
}

// PositionDetail 表示单个方向的仓位详情。
type PositionDetail struct {
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	LiqPrice      float64
	Notional      float64
	UnrealizedPnl float64
	Leverage      float64
	MarginMode    string
	Timestamp     time.Time
}

// Manager 维护仓位与资金状态。
type Manager struct {
	client balanceClient
	market string
	logger *zap.Logger
}

// NewManager 创建仓位管理器。market 为空时不过滤交易对。
func NewManager(client balanceClient, market string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		market: market,
		logger: logger,
	}
}

// FetchSnapshot 获取账户余额与当前仓位。
func (m *Manager) FetchSnapshot(ctx context.Context) (AccountBalance, []PositionDetail, error) {
	var balance AccountBalance
	var positions []PositionDetail

	if ctxErr := ctx.Err(); ctxErr != nil {
		return balance, positions, ctxErr
	}

	now := time.Now().UTC()

	balances, err := m.client.FetchBalance()
	if err != nil {
		return balance, positions, fmt.Errorf("position: 获取账户余额失败: %w", err)
	}

	if balances.Total != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if total, ok := balances.Total[code]; ok && total != nil && *total > 0 {
				balance.TotalWalletBalance = *total
				break
			}
		}
	}
	if balances.Free != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if free, ok := balances.Free[code]; ok && free != nil && *free > 0 {
				balance.AvailableBalance = *free
				break
			}
		}
	}
	if balances.Info != nil {
		if v := parseNumeric(balances.Info["totalWalletBalance"]); v > 0 {
			balance.TotalWalletBalance = v
		}
		if v := parseNumeric(balances.Info["availableBalance"]); v > 0 {
			balance.AvailableBalance = v
		}
		if v := parseNumeric(balances.Info["totalUnrealizedProfit"]); v != 0 {
			balance.UnrealizedPnl = v
		}
		if v := parseNumeric(balances.Info["totalMarginBalance"]); v > 0 {
			balance.TotalMarginBalance = v
		}
		if v := parseNumeric(balances.Info["maxWithdrawAmount"]); v > 0 {
			balance.MaxWithdrawAmount = v
		}
	}

	balance.Timestamp = now

	rawPositions, err := m.client.FetchPositions()
	if err != nil {
		return balance, positions, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	for _, rawPos := range rawPositions {
		symbol := derefString(rawPos.Symbol)
		if symbol == "" {
			continue
		}
		if m.market != "" && !strings.EqualFold(symbol, m.market) {
			continue
		}

		size := derefFloat(rawPos.Contracts)
		if size == 0 {
			continue
		}

		side := strings.ToUpper(strings.TrimSpace(derefString(rawPos.Side)))
		if side == "" {
			side = "LONG"
		}

		positions = append(positions, PositionDetail{
			Symbol:        symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    derefFloat(rawPos.EntryPrice),
			MarkPrice:     derefFloat(rawPos.MarkPrice),
			LiqPrice:      derefFloat(rawPos.LiquidationPrice),
			Notional:      derefFloat(rawPos.Notional),
			UnrealizedPnl: derefFloat(rawPos.UnrealizedPnl),
			Leverage:      derefFloat(rawPos.Leverage),
			MarginMode:    strings.ToUpper(strings.TrimSpace(derefString(rawPos.MarginMode))),
			Timestamp:     now,
		})
	}

	return balance, positions, nil
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

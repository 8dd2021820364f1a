package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

// ErrInvalidRange 表示网格价格区间或档位数非法。
var ErrInvalidRange = errors.New("engine: 网格价格区间非法")

// GridLevel 为网格中的一个价位档。
type GridLevel struct {
	Price    float64
	Quantity float64
}

// GridLevels 纯函数：在价格区间内均匀铺设 levels 个档位，
// 每档均分数量，余量归入第一档以保证总量精确。
func GridLevels(params plan.GridParams) ([]GridLevel, error) {
	if params.Levels < 2 || params.LowerPrice <= 0 || params.LowerPrice >= params.UpperPrice {
		return nil, fmt.Errorf("%w: lower=%.8f upper=%.8f levels=%d",
			ErrInvalidRange, params.LowerPrice, params.UpperPrice, params.Levels)
	}

	spacing := (params.UpperPrice - params.LowerPrice) / float64(params.Levels-1)
	each := math.Floor(params.TotalQuantity/float64(params.Levels)*qtyPrecision) / qtyPrecision
	first := roundQty(params.TotalQuantity - each*float64(params.Levels-1))

	levels := make([]GridLevel, params.Levels)
	for i := range levels {
		price := params.LowerPrice + spacing*float64(i)
		if i == params.Levels-1 {
			price = params.UpperPrice
		}
		qty := each
		if i == 0 {
			qty = first
		}
		levels[i] = GridLevel{Price: price, Quantity: qty}
	}

	return levels, nil
}

// runGrid 并发挂出全部网格档位，随后轮询直至每条腿到达终态。
// 档位之间相互独立：瞬时失败按策略独立重试，明确拒绝则计划 FAILED。
func (s *Supervisor) runGrid(ctx context.Context, p *plan.Plan) error {
	spec := p.Spec()

	levels, err := GridLevels(*spec.Grid)
	if err != nil {
		return err
	}

	group := new(errgroup.Group)
	for _, level := range levels {
		group.Go(func() error {
			_, _, submitErr := s.submitLeg(ctx, p, exchange.OrderRequest{
				Symbol:   spec.Symbol,
				Side:     spec.Side,
				Type:     exchange.OrderTypeLimit,
				Price:    level.Price,
				Quantity: level.Quantity,
			})
			if submitErr != nil {
				return fmt.Errorf("网格档位 %.8f 提交失败: %w", level.Price, submitErr)
			}
			return nil
		})
	}

	placeErr := group.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.cancelOpenLegs(p)
		return ctxErr
	}
	if placeErr != nil {
		s.cancelOpenLegs(p)
		return placeErr
	}

	s.logger.Info("网格档位已全部挂出",
		zap.String("plan_id", p.ID()),
		zap.Int("levels", len(levels)),
	)

	for {
		open := p.OpenLegs()
		if len(open) == 0 {
			return nil
		}

		for _, leg := range open {
			state, statusErr := s.client.GetOrderStatus(ctx, spec.Symbol, leg.ExchangeOrderID)
			if statusErr != nil {
				if exchange.IsPermanent(statusErr) {
					s.cancelOpenLegs(p)
					return statusErr
				}
				s.logger.Warn("查询网格腿状态失败",
					zap.String("plan_id", p.ID()),
					zap.String("order_id", leg.ExchangeOrderID),
					zap.Error(statusErr),
				)
				continue
			}
			if state.Terminal() {
				p.UpdateLeg(leg.Sequence, legStateForOrder(state), "")
			}
		}

		if sleepErr := sleepFor(ctx, s.cfg.PollInterval); sleepErr != nil {
			s.cancelOpenLegs(p)
			return sleepErr
		}
	}
}

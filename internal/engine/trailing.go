package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

// runTrailingStop 维护一张跟随最优价移动的止损单。
// 核心不变量：任一时刻同一计划最多只有一张活动止损单，
// 旧单必须确认撤销（或确认已成交）之后才允许挂出替换单。
func (s *Supervisor) runTrailingStop(ctx context.Context, p *plan.Plan) error {
	spec := p.Spec()
	params := *spec.Trailing

	price, err := s.client.GetCurrentPrice(ctx, spec.Symbol)
	if err != nil {
		return fmt.Errorf("获取初始价格失败: %w", err)
	}

	best := price
	armed := trailStopPrice(best, spec.Side, params.CallbackRate)

	seq, ack, err := s.submitLeg(ctx, p, stopRequest(spec, armed, params.Quantity))
	if err != nil {
		return fmt.Errorf("初始止损挂单失败: %w", err)
	}
	orderID := ack.ExchangeOrderID

	s.logger.Info("移动止损已布防",
		zap.String("plan_id", p.ID()),
		zap.Float64("stop_price", armed),
		zap.Float64("best_price", best),
	)

	for {
		if sleepErr := sleepFor(ctx, s.cfg.PollInterval); sleepErr != nil {
			s.cancelOpenLegs(p)
			return sleepErr
		}

		state, statusErr := s.client.GetOrderStatus(ctx, spec.Symbol, orderID)
		if statusErr != nil {
			if exchange.IsPermanent(statusErr) {
				s.cancelOpenLegs(p)
				return statusErr
			}
			continue
		}
		switch state {
		case exchange.OrderStateFilled:
			p.UpdateLeg(seq, plan.LegFilled, "")
			s.logger.Info("移动止损触发成交", zap.String("plan_id", p.ID()))
			return nil
		case exchange.OrderStateCanceled, exchange.OrderStateRejected:
			p.UpdateLeg(seq, legStateForOrder(state), "")
			return fmt.Errorf("止损单进入 %s 状态，计划无法继续", state)
		}

		price, priceErr := s.client.GetCurrentPrice(ctx, spec.Symbol)
		if priceErr != nil {
			if exchange.IsPermanent(priceErr) {
				s.cancelOpenLegs(p)
				return priceErr
			}
			continue
		}

		if favorableMove(price, best, spec.Side) {
			best = price
		}

		next := trailStopPrice(best, spec.Side, params.CallbackRate)
		if !rearmWorthwhile(next, armed, spec.Side, params.RearmThreshold) {
			continue
		}

		cancelErr := s.client.CancelOrder(ctx, spec.Symbol, orderID)
		switch {
		case cancelErr == nil:
			p.UpdateLeg(seq, plan.LegCancelled, "")
		case errors.Is(cancelErr, exchange.ErrAlreadyFilled):
			p.UpdateLeg(seq, plan.LegFilled, "")
			s.logger.Info("撤单时止损已成交", zap.String("plan_id", p.ID()))
			return nil
		case errors.Is(cancelErr, exchange.ErrNotFound):
			// 状态滞后，下一轮重新核对
			continue
		default:
			if exchange.IsPermanent(cancelErr) {
				s.cancelOpenLegs(p)
				return cancelErr
			}
			continue
		}

		newSeq, newAck, submitErr := s.submitLeg(ctx, p, stopRequest(spec, next, params.Quantity))
		if submitErr != nil {
			return fmt.Errorf("重挂止损失败: %w", submitErr)
		}

		s.logger.Info("移动止损已上移",
			zap.String("plan_id", p.ID()),
			zap.Float64("old_stop", armed),
			zap.Float64("new_stop", next),
			zap.Float64("best_price", best),
		)

		seq, orderID, armed = newSeq, newAck.ExchangeOrderID, next
	}
}

func stopRequest(spec plan.Spec, stopPrice, quantity float64) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:    spec.Symbol,
		Side:      spec.Side,
		Type:      exchange.OrderTypeStop,
		StopPrice: stopPrice,
		Quantity:  quantity,
	}
}

// trailStopPrice 由最优价与回调率推算止损价。
func trailStopPrice(best float64, side exchange.OrderSide, rate float64) float64 {
	if side == exchange.OrderSideSell {
		return best * (1 - rate)
	}
	return best * (1 + rate)
}

// favorableMove 判断价格是否朝有利方向移动。
func favorableMove(price, best float64, side exchange.OrderSide) bool {
	if side == exchange.OrderSideSell {
		return price > best
	}
	return price < best
}

// rearmWorthwhile 判断新止损价相对已布防价位的改善是否超过重挂阈值。
func rearmWorthwhile(next, armed float64, side exchange.OrderSide, threshold float64) bool {
	if side == exchange.OrderSideSell {
		return next-armed > threshold
	}
	return armed-next > threshold
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

// runOCO 同时挂出止损腿与限价腿，任一腿成交即撤销另一腿。
// 交易所不保证两腿之间的原子性：若撤单时败方腿也已成交，
// 按双腿成交的非错误结局记录并完成计划。
func (s *Supervisor) runOCO(ctx context.Context, p *plan.Plan) error {
	spec := p.Spec()
	params := *spec.OCO

	stopSeq, stopAck, err := s.submitLeg(ctx, p, exchange.OrderRequest{
		Symbol:    spec.Symbol,
		Side:      spec.Side,
		Type:      exchange.OrderTypeStop,
		StopPrice: params.StopPrice,
		Quantity:  params.Quantity,
	})
	if err != nil {
		return fmt.Errorf("OCO 止损腿提交失败: %w", err)
	}

	limitSeq, limitAck, err := s.submitLeg(ctx, p, exchange.OrderRequest{
		Symbol:   spec.Symbol,
		Side:     spec.Side,
		Type:     exchange.OrderTypeLimit,
		Price:    params.LimitPrice,
		Quantity: params.Quantity,
	})
	if err != nil {
		s.cancelOpenLegs(p)
		return fmt.Errorf("OCO 限价腿提交失败: %w", err)
	}

	stopID, limitID := stopAck.ExchangeOrderID, limitAck.ExchangeOrderID
	stopState, limitState := stopAck.State, limitAck.State

	for {
		if !stopState.Terminal() {
			state, statusErr := s.client.GetOrderStatus(ctx, spec.Symbol, stopID)
			if statusErr != nil {
				if exchange.IsPermanent(statusErr) {
					s.cancelOpenLegs(p)
					return statusErr
				}
			} else if state.Terminal() {
				stopState = state
				p.UpdateLeg(stopSeq, legStateForOrder(state), "")
			}
		}

		if !limitState.Terminal() {
			state, statusErr := s.client.GetOrderStatus(ctx, spec.Symbol, limitID)
			if statusErr != nil {
				if exchange.IsPermanent(statusErr) {
					s.cancelOpenLegs(p)
					return statusErr
				}
			} else if state.Terminal() {
				limitState = state
				p.UpdateLeg(limitSeq, legStateForOrder(state), "")
			}
		}

		switch {
		case stopState == exchange.OrderStateFilled && limitState == exchange.OrderStateFilled:
			p.AddNote("双腿成交：两腿在同一轮询窗口内先后成交")
			s.logger.Warn("OCO 双腿成交", zap.String("plan_id", p.ID()))
			return nil
		case stopState == exchange.OrderStateFilled:
			return s.settleOCO(ctx, p, "stop", limitSeq, limitID, limitState)
		case limitState == exchange.OrderStateFilled:
			return s.settleOCO(ctx, p, "limit", stopSeq, stopID, stopState)
		case stopState.Terminal() && limitState.Terminal():
			return fmt.Errorf("OCO 两腿均未成交 (stop=%s, limit=%s)", stopState, limitState)
		}

		if sleepErr := sleepFor(ctx, s.cfg.PollInterval); sleepErr != nil {
			s.cancelOpenLegs(p)
			return sleepErr
		}
	}
}

// settleOCO 在胜方腿成交后撤销败方腿，瞬时失败在轮询节奏内重试。
func (s *Supervisor) settleOCO(ctx context.Context, p *plan.Plan, winner string, loserSeq int, loserID string, loserState exchange.OrderState) error {
	symbol := p.Spec().Symbol

	if loserState.Terminal() {
		s.logger.Info("OCO 完成，败方腿已自行终结",
			zap.String("plan_id", p.ID()),
			zap.String("winner", winner),
			zap.String("loser_state", string(loserState)),
		)
		return nil
	}

	for {
		err := s.client.CancelOrder(ctx, symbol, loserID)
		switch {
		case err == nil:
			p.UpdateLeg(loserSeq, plan.LegCancelled, "")
			s.logger.Info("OCO 完成，败方腿已撤销",
				zap.String("plan_id", p.ID()),
				zap.String("winner", winner),
			)
			return nil
		case errors.Is(err, exchange.ErrAlreadyFilled):
			p.UpdateLeg(loserSeq, plan.LegFilled, "")
			p.AddNote("双腿成交：败方腿在撤单落地前已成交")
			s.logger.Warn("OCO 双腿成交", zap.String("plan_id", p.ID()), zap.String("winner", winner))
			return nil
		case errors.Is(err, exchange.ErrNotFound):
			p.UpdateLeg(loserSeq, plan.LegCancelled, "")
			return nil
		default:
			if exchange.IsPermanent(err) {
				return fmt.Errorf("撤销 OCO 败方腿失败: %w", err)
			}
			s.logger.Warn("撤销 OCO 败方腿失败，等待重试",
				zap.String("plan_id", p.ID()),
				zap.Error(err),
			)
			if sleepErr := sleepFor(ctx, s.cfg.PollInterval); sleepErr != nil {
				s.cancelOpenLegs(p)
				return sleepErr
			}
		}
	}
}

package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

// qtyPrecision 统一数量的小数精度（1e-8）。
const qtyPrecision = 1e8

// runTWAP 按固定间隔把总量拆成若干市价片段依次提交。
// 除最后一片外每片取 floor(total/slices)，余量归入最后一片，保证总量精确。
// 片段失败按重试策略重试，重试仍失败则计划 FAILED，已成交片段保留。
func (s *Supervisor) runTWAP(ctx context.Context, p *plan.Plan) error {
	spec := p.Spec()
	params := *spec.TWAP

	quantities := sliceQuantities(params.TotalQuantity, params.Slices)
	interval := params.Duration / time.Duration(params.Slices)

	for i, qty := range quantities {
		if i > 0 {
			if err := sleepFor(ctx, interval); err != nil {
				return err
			}
		}

		if err := s.runTWAPSlice(ctx, p, spec, qty, i+1, params.Slices); err != nil {
			return err
		}

		s.logger.Debug("TWAP 片段成交",
			zap.String("plan_id", p.ID()),
			zap.Int("slice", i+1),
			zap.Int("slices", params.Slices),
			zap.Float64("quantity", qty),
		)
	}

	return nil
}

// runTWAPSlice 执行单个片段。提交后订单进入非成交终态时
// 按重试策略以相同参数重下该片，重试用尽则判定计划失败。
func (s *Supervisor) runTWAPSlice(ctx context.Context, p *plan.Plan, spec plan.Spec, qty float64, slice, slices int) error {
	attempts := s.retry.maxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		seq, ack, err := s.submitLeg(ctx, p, exchange.OrderRequest{
			Symbol:   spec.Symbol,
			Side:     spec.Side,
			Type:     exchange.OrderTypeMarket,
			Quantity: qty,
		})
		if err != nil {
			return fmt.Errorf("TWAP 第%d/%d片提交失败: %w", slice, slices, err)
		}

		if ack.State == exchange.OrderStateFilled {
			return nil
		}

		state, waitErr := s.waitLegTerminal(ctx, p, seq, ack.ExchangeOrderID)
		if waitErr != nil {
			s.cancelOpenLegs(p)
			return waitErr
		}
		if state == exchange.OrderStateFilled {
			return nil
		}

		if attempt < attempts {
			s.logger.Warn("TWAP 片段未成交，重下该片",
				zap.String("plan_id", p.ID()),
				zap.Int("slice", slice),
				zap.String("state", string(state)),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return fmt.Errorf("TWAP 第%d/%d片进入 %s 状态", slice, slices, state)
	}

	return nil
}

// sliceQuantities 计算各片数量，余量归入最后一片。
func sliceQuantities(total float64, slices int) []float64 {
	base := math.Floor(total/float64(slices)*qtyPrecision) / qtyPrecision

	out := make([]float64, slices)
	for i := range out {
		out[i] = base
	}
	out[slices-1] = roundQty(total - base*float64(slices-1))
	return out
}

func roundQty(v float64) float64 {
	return math.Round(v*qtyPrecision) / qtyPrecision
}

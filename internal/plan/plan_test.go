package plan

import (
	"errors"
	"testing"
	"time"

	"algo-trader/internal/exchange"
)

func validTWAPSpec() Spec {
	return Spec{
		Kind:   KindTWAP,
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.OrderSideBuy,
		TWAP: &TWAPParams{
			TotalQuantity: 1,
			Duration:      time.Minute,
			Slices:        4,
		},
	}
}

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{"合法TWAP", func(s *Spec) {}, false},
		{"缺少symbol", func(s *Spec) { s.Symbol = "" }, true},
		{"非法side", func(s *Spec) { s.Side = "long" }, true},
		{"未知类型", func(s *Spec) { s.Kind = "ICEBERG" }, true},
		{"缺少参数", func(s *Spec) { s.TWAP = nil }, true},
		{"数量为零", func(s *Spec) { s.TWAP.TotalQuantity = 0 }, true},
		{"时长为零", func(s *Spec) { s.TWAP.Duration = 0 }, true},
		{"片数为零", func(s *Spec) { s.TWAP.Slices = 0 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validTWAPSpec()
			tc.mutate(&spec)
			err := spec.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPlan) {
					t.Fatalf("应返回 ErrInvalidPlan，得到 %v", err)
				}
			} else if err != nil {
				t.Fatalf("合法计划不应报错: %v", err)
			}
		})
	}
}

func TestSpecValidate_OCOPriceOrdering(t *testing.T) {
	spec := Spec{
		Kind:   KindOCO,
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.OrderSideSell,
		OCO:    &OCOParams{Quantity: 1, StopPrice: 95, LimitPrice: 105},
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("sell 方向 limit>stop 应合法: %v", err)
	}

	spec.OCO = &OCOParams{Quantity: 1, StopPrice: 105, LimitPrice: 95}
	if err := spec.Validate(); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("sell 方向 limit<stop 应非法，得到 %v", err)
	}

	spec.Side = exchange.OrderSideBuy
	if err := spec.Validate(); err != nil {
		t.Fatalf("buy 方向 limit<stop 应合法: %v", err)
	}

	spec.OCO = &OCOParams{Quantity: 1, StopPrice: 95, LimitPrice: 105}
	if err := spec.Validate(); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("buy 方向 limit>stop 应非法，得到 %v", err)
	}
}

func TestSpecValidate_GridRange(t *testing.T) {
	spec := Spec{
		Kind:   KindGrid,
		Symbol: "BTC/USDT:USDT",
		Side:   exchange.OrderSideBuy,
		Grid:   &GridParams{LowerPrice: 200, UpperPrice: 100, Levels: 5, TotalQuantity: 1},
	}
	if err := spec.Validate(); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("倒置的价格区间应非法，得到 %v", err)
	}
}

func TestPlanLifecycle_Monotonic(t *testing.T) {
	p := New(validTWAPSpec())

	if p.Status() != StatusPending {
		t.Fatalf("新计划应为 PENDING，得到 %s", p.Status())
	}
	if !p.MarkRunning() {
		t.Fatalf("PENDING 计划应可置为 RUNNING")
	}
	if p.MarkRunning() {
		t.Fatalf("RUNNING 计划不应重复置为 RUNNING")
	}

	if p.Finish(StatusRunning, "") {
		t.Fatalf("Finish 不应接受非终态")
	}
	if !p.Finish(StatusCompleted, "") {
		t.Fatalf("RUNNING 计划应可终结")
	}
	if p.Finish(StatusFailed, "again") {
		t.Fatalf("终态不可再变更")
	}
	if p.Status() != StatusCompleted {
		t.Fatalf("终态应保持 COMPLETED，得到 %s", p.Status())
	}
	if p.MarkRunning() {
		t.Fatalf("终结后的计划不应回到 RUNNING")
	}
}

func TestPlanLegs_SequenceStrictlyIncreasing(t *testing.T) {
	p := New(validTWAPSpec())

	for i := 1; i <= 3; i++ {
		seq := p.AppendLeg(Leg{State: LegSubmitted, Quantity: 0.1})
		if seq != i {
			t.Fatalf("第%d条腿序号应为%d，得到 %d", i, i, seq)
		}
	}

	if !p.UpdateLeg(2, LegFilled, "oid-2") {
		t.Fatalf("更新已有腿应成功")
	}
	if p.UpdateLeg(0, LegFilled, "") || p.UpdateLeg(4, LegFilled, "") {
		t.Fatalf("越界序号不应更新成功")
	}

	snap := p.Snapshot()
	if snap.Legs[1].State != LegFilled || snap.Legs[1].ExchangeOrderID != "oid-2" {
		t.Errorf("第2条腿应为 FILLED 且带订单ID: %+v", snap.Legs[1])
	}

	open := p.OpenLegs()
	if len(open) != 2 {
		t.Errorf("应剩2条 SUBMITTED 腿，得到 %d", len(open))
	}
}

func TestPlanSnapshot_IsolatedCopy(t *testing.T) {
	p := New(validTWAPSpec())
	p.AppendLeg(Leg{State: LegSubmitted, Quantity: 0.5})

	snap := p.Snapshot()
	snap.Legs[0].State = LegRejected

	if got := p.Snapshot().Legs[0].State; got != LegSubmitted {
		t.Errorf("快照修改不应影响计划本体，得到 %s", got)
	}

	snap.Spec.TWAP.TotalQuantity = 999
	if got := p.Snapshot().Spec.TWAP.TotalQuantity; got != 1 {
		t.Errorf("快照参数修改不应写回计划，得到 %v", got)
	}
}

func TestPlanSnapshot_MetricsAggregation(t *testing.T) {
	p := New(validTWAPSpec())
	p.AppendLeg(Leg{State: LegFilled, Quantity: 0.25})
	p.AppendLeg(Leg{State: LegFilled, Quantity: 0.25})
	p.AppendLeg(Leg{State: LegRejected, Quantity: 0.25})

	m := p.Snapshot().Metrics
	if m.LegsTotal != 3 || m.LegsFilled != 2 {
		t.Errorf("指标不符: %+v", m)
	}
	if m.FilledQuantity != 0.5 {
		t.Errorf("成交量应为0.5，得到 %v", m.FilledQuantity)
	}
}

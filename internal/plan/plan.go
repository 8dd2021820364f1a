package plan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"algo-trader/internal/exchange"
)

// Kind 表示高级订单计划的类型。
type Kind string

const (
	KindTWAP         Kind = "TWAP"
	KindGrid         Kind = "GRID"
	KindTrailingStop Kind = "TRAILING_STOP"
	KindOCO          Kind = "OCO"
)

// Status 表示计划的生命周期状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal 判断计划状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LegState 表示单笔委托在计划内的结果状态。
type LegState string

const (
	LegSubmitted LegState = "SUBMITTED"
	LegFilled    LegState = "FILLED"
	LegRejected  LegState = "REJECTED"
	LegCancelled LegState = "CANCELLED"
	LegTimedOut  LegState = "TIMED_OUT"
)

var (
	// ErrInvalidPlan 表示计划参数非法，提交时同步返回。
	ErrInvalidPlan = errors.New("plan: 参数非法")
	// ErrNotFound 表示计划不存在或已被清退。
	ErrNotFound = errors.New("plan: 计划不存在")
)

// TWAPParams 描述时间加权拆单计划。
type TWAPParams struct {
	TotalQuantity float64       `json:"total_quantity"`
	Duration      time.Duration `json:"duration"`
	Slices        int           `json:"slices"`
}

// GridParams 描述网格挂单计划。
type GridParams struct {
	LowerPrice    float64 `json:"lower_price"`
	UpperPrice    float64 `json:"upper_price"`
	Levels        int     `json:"levels"`
	TotalQuantity float64 `json:"total_quantity"`
}

// TrailingStopParams 描述移动止损计划。
type TrailingStopParams struct {
	Quantity       float64 `json:"quantity"`
	CallbackRate   float64 `json:"callback_rate"`
	RearmThreshold float64 `json:"rearm_threshold"`
}

// OCOParams 描述双向挂单（OCO）计划。
type OCOParams struct {
	Quantity   float64 `json:"quantity"`
	StopPrice  float64 `json:"stop_price"`
	LimitPrice float64 `json:"limit_price"`
}

// Spec 为调用方提交的计划描述，按 Kind 携带对应参数。
type Spec struct {
	Kind     Kind                `json:"kind"`
	Symbol   string              `json:"symbol"`
	Side     exchange.OrderSide  `json:"side"`
	TWAP     *TWAPParams         `json:"twap,omitempty"`
	Grid     *GridParams         `json:"grid,omitempty"`
	Trailing *TrailingStopParams `json:"trailing,omitempty"`
	OCO      *OCOParams          `json:"oco,omitempty"`
}

// Validate 校验计划参数，违规时返回包装了 ErrInvalidPlan 的错误。
func (s Spec) Validate() error {
	var err error

	if s.Symbol == "" {
		err = multierr.Append(err, errors.New("symbol 不能为空"))
	}
	if s.Side != exchange.OrderSideBuy && s.Side != exchange.OrderSideSell {
		err = multierr.Append(err, fmt.Errorf("side 必须为 buy 或 sell，收到 %q", s.Side))
	}

	switch s.Kind {
	case KindTWAP:
		if s.TWAP == nil {
			err = multierr.Append(err, errors.New("缺少 twap 参数"))
			break
		}
		if s.TWAP.TotalQuantity <= 0 {
			err = multierr.Append(err, errors.New("twap.total_quantity 必须大于0"))
		}
		if s.TWAP.Duration <= 0 {
			err = multierr.Append(err, errors.New("twap.duration 必须大于0"))
		}
		if s.TWAP.Slices <= 0 {
			err = multierr.Append(err, errors.New("twap.slices 必须大于0"))
		}
	case KindGrid:
		if s.Grid == nil {
			err = multierr.Append(err, errors.New("缺少 grid 参数"))
			break
		}
		if s.Grid.TotalQuantity <= 0 {
			err = multierr.Append(err, errors.New("grid.total_quantity 必须大于0"))
		}
		if s.Grid.Levels < 2 {
			err = multierr.Append(err, errors.New("grid.levels 必须不小于2"))
		}
		if s.Grid.LowerPrice <= 0 || s.Grid.LowerPrice >= s.Grid.UpperPrice {
			err = multierr.Append(err, errors.New("grid 价格区间必须满足 0 < lower_price < upper_price"))
		}
	case KindTrailingStop:
		if s.Trailing == nil {
			err = multierr.Append(err, errors.New("缺少 trailing 参数"))
			break
		}
		if s.Trailing.Quantity <= 0 {
			err = multierr.Append(err, errors.New("trailing.quantity 必须大于0"))
		}
		if s.Trailing.CallbackRate <= 0 || s.Trailing.CallbackRate >= 1 {
			err = multierr.Append(err, errors.New("trailing.callback_rate 必须位于(0,1)"))
		}
		if s.Trailing.RearmThreshold < 0 {
			err = multierr.Append(err, errors.New("trailing.rearm_threshold 不能为负"))
		}
	case KindOCO:
		if s.OCO == nil {
			err = multierr.Append(err, errors.New("缺少 oco 参数"))
			break
		}
		if s.OCO.Quantity <= 0 {
			err = multierr.Append(err, errors.New("oco.quantity 必须大于0"))
		}
		if s.OCO.StopPrice <= 0 || s.OCO.LimitPrice <= 0 {
			err = multierr.Append(err, errors.New("oco 价格必须大于0"))
		}
		if s.Side == exchange.OrderSideSell && s.OCO.LimitPrice <= s.OCO.StopPrice {
			err = multierr.Append(err, errors.New("sell 方向的 oco 要求 limit_price 大于 stop_price"))
		}
		if s.Side == exchange.OrderSideBuy && s.OCO.LimitPrice >= s.OCO.StopPrice {
			err = multierr.Append(err, errors.New("buy 方向的 oco 要求 limit_price 小于 stop_price"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("未知计划类型 %q", s.Kind))
	}

	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPlan, err)
	}

	return nil
}

// clone 返回参数指针均已拷贝的 Spec，快照持有者的修改不会写回计划。
func (s Spec) clone() Spec {
	out := s
	if s.TWAP != nil {
		v := *s.TWAP
		out.TWAP = &v
	}
	if s.Grid != nil {
		v := *s.Grid
		out.Grid = &v
	}
	if s.Trailing != nil {
		v := *s.Trailing
		out.Trailing = &v
	}
	if s.OCO != nil {
		v := *s.OCO
		out.OCO = &v
	}
	return out
}

// Leg 记录计划内的一笔原生委托，按序号严格递增追加。
type Leg struct {
	Sequence        int                `json:"sequence"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	Type            exchange.OrderType `json:"type"`
	Side            exchange.OrderSide `json:"side"`
	Price           float64            `json:"price,omitempty"`
	Quantity        float64            `json:"quantity"`
	SubmittedAt     time.Time          `json:"submitted_at"`
	State           LegState           `json:"state"`
}

// Metrics 为计划的聚合指标。
type Metrics struct {
	LegsTotal      int     `json:"legs_total"`
	LegsFilled     int     `json:"legs_filled"`
	FilledQuantity float64 `json:"filled_quantity"`
}

// Snapshot 为计划的一致性时点快照。
type Snapshot struct {
	ID         string    `json:"id"`
	Spec       Spec      `json:"spec"`
	Status     Status    `json:"status"`
	Legs       []Leg     `json:"legs"`
	Notes      []string  `json:"notes,omitempty"`
	FailReason string    `json:"fail_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
	Metrics    Metrics   `json:"metrics"`
}

// Plan 为一个活跃计划。状态与腿记录仅由其归属的处理器写入，
// 外部读取通过 Snapshot 获得一致拷贝。
type Plan struct {
	mu sync.Mutex

	id         string
	spec       Spec
	status     Status
	legs       []Leg
	notes      []string
	failReason string
	createdAt  time.Time
	finishedAt time.Time
}

// New 创建一个 PENDING 状态的计划并分配唯一ID。
func New(spec Spec) *Plan {
	return &Plan{
		id:        uuid.NewString(),
		spec:      spec,
		status:    StatusPending,
		createdAt: time.Now().UTC(),
	}
}

// ID 返回计划标识。
func (p *Plan) ID() string {
	return p.id
}

// Spec 返回提交时的计划描述。
func (p *Plan) Spec() Spec {
	return p.spec
}

// Status 返回当前状态。
func (p *Plan) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// MarkRunning 将 PENDING 计划置为 RUNNING。
func (p *Plan) MarkRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusPending {
		return false
	}
	p.status = StatusRunning
	return true
}

// Finish 将计划置为给定终态。已处于终态的计划保持不变。
func (p *Plan) Finish(status Status, reason string) bool {
	if !status.Terminal() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Terminal() {
		return false
	}
	p.status = status
	p.failReason = reason
	p.finishedAt = time.Now().UTC()
	return true
}

// AppendLeg 追加一笔腿记录并返回其序号。
func (p *Plan) AppendLeg(leg Leg) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	leg.Sequence = len(p.legs) + 1
	if leg.SubmittedAt.IsZero() {
		leg.SubmittedAt = time.Now().UTC()
	}
	p.legs = append(p.legs, leg)
	return leg.Sequence
}

// UpdateLeg 更新指定序号腿的结果状态，可同时补写交易所订单ID。
func (p *Plan) UpdateLeg(sequence int, state LegState, exchangeOrderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sequence < 1 || sequence > len(p.legs) {
		return false
	}
	leg := &p.legs[sequence-1]
	leg.State = state
	if exchangeOrderID != "" {
		leg.ExchangeOrderID = exchangeOrderID
	}
	return true
}

// OpenLegs 返回当前仍处于 SUBMITTED 状态的腿的拷贝。
func (p *Plan) OpenLegs() []Leg {
	p.mu.Lock()
	defer p.mu.Unlock()

	open := make([]Leg, 0, len(p.legs))
	for _, leg := range p.legs {
		if leg.State == LegSubmitted {
			open = append(open, leg)
		}
	}
	return open
}

// AddNote 追加一条备注，用于记录双腿成交等非错误的特殊结局。
func (p *Plan) AddNote(note string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, note)
}

// Snapshot 返回计划的一致性时点拷贝。
func (p *Plan) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	legs := make([]Leg, len(p.legs))
	copy(legs, p.legs)

	notes := make([]string, len(p.notes))
	copy(notes, p.notes)

	metrics := Metrics{LegsTotal: len(legs)}
	for _, leg := range legs {
		if leg.State == LegFilled {
			metrics.LegsFilled++
			metrics.FilledQuantity += leg.Quantity
		}
	}

	return Snapshot{
		ID:         p.id,
		Spec:       p.spec.clone(),
		Status:     p.status,
		Legs:       legs,
		Notes:      notes,
		FailReason: p.failReason,
		CreatedAt:  p.createdAt,
		FinishedAt: p.finishedAt,
		Metrics:    metrics,
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"algo-trader/internal/config"
	"algo-trader/internal/exchange"
	"algo-trader/internal/plan"
)

// cleanupTimeout 限制取消清理阶段对交易所的调用时长。
const cleanupTimeout = 30 * time.Second

// Supervisor 是执行引擎的顶层调度器：接收计划、注册、
// 按类型分发给处理器、施加并发上限与重试策略，并聚合指标。
type Supervisor struct {
	cfg      config.EngineConfig
	client   ExchangeClient
	registry *plan.Registry
	recorder Recorder
	logger   *zap.Logger
	retry    retryPolicy
	sem      *semaphore.Weighted
	handlers map[plan.Kind]handlerFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	metrics Metrics
}

// NewSupervisor 创建执行引擎。
func NewSupervisor(cfg config.EngineConfig, client ExchangeClient, recorder Recorder, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.MaxConcurrentPlans <= 0 {
		cfg.MaxConcurrentPlans = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Supervisor{
		cfg:      cfg,
		client:   client,
		registry: plan.NewRegistry(),
		recorder: recorder,
		logger:   logger,
		retry: retryPolicy{
			maxRetries: cfg.LegRetries,
			minDelay:   cfg.RetryMinDelay,
			maxDelay:   cfg.RetryMaxDelay,
		},
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentPlans)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		cancels:    make(map[string]context.CancelFunc),
	}

	s.handlers = map[plan.Kind]handlerFunc{
		plan.KindTWAP:         s.runTWAP,
		plan.KindGrid:         s.runGrid,
		plan.KindTrailingStop: s.runTrailingStop,
		plan.KindOCO:          s.runOCO,
	}

	return s
}

// SubmitPlan 校验并注册计划，异步启动其处理器，立即返回计划ID。
// 超出并发上限的计划保持 PENDING 排队，不会立即占用交易所配额。
func (s *Supervisor) SubmitPlan(ctx context.Context, spec plan.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	if err := s.client.ValidateSymbol(ctx, spec.Symbol); err != nil {
		if exchange.IsPermanent(err) {
			return "", fmt.Errorf("%w: %s", plan.ErrInvalidPlan, err)
		}
		return "", fmt.Errorf("校验交易对失败: %w", err)
	}

	p := plan.New(spec)
	if err := s.registry.Add(p); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.cancels[p.ID()] = cancel
	s.metrics.PlansSubmitted++
	s.mu.Unlock()

	s.recorder.RecordPlanEvent(ctx, "plan_submitted", p.Snapshot())
	s.logger.Info("计划已提交",
		zap.String("plan_id", p.ID()),
		zap.String("kind", string(spec.Kind)),
		zap.String("symbol", spec.Symbol),
		zap.String("side", string(spec.Side)),
	)

	s.wg.Add(1)
	go s.runPlan(runCtx, cancel, p)

	return p.ID(), nil
}

// GetPlanStatus 返回计划的一致性时点快照。
func (s *Supervisor) GetPlanStatus(id string) (plan.Snapshot, error) {
	return s.registry.Snapshot(id)
}

// CancelPlan 向计划的处理器发出协作式取消信号。
// 已终结的计划为幂等空操作，未知计划返回 plan.ErrNotFound。
func (s *Supervisor) CancelPlan(id string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()

	if ok {
		s.logger.Info("收到计划取消请求", zap.String("plan_id", id))
		cancel()
		return nil
	}

	if _, err := s.registry.Snapshot(id); err != nil {
		return err
	}
	return nil
}

// ListActivePlans 返回全部活跃计划的快照。
func (s *Supervisor) ListActivePlans() []plan.Snapshot {
	return s.registry.ListActive()
}

// ListCompletedPlans 返回已终结计划的只读日志。
func (s *Supervisor) ListCompletedPlans() []plan.Snapshot {
	return s.registry.ListCompleted()
}

// GetMetrics 返回引擎级聚合指标。
func (s *Supervisor) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Close 取消所有活跃计划并等待处理器退出，受 ctx 限时。
func (s *Supervisor) Close(ctx context.Context) error {
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待计划退出超时: %w", ctx.Err())
	}
}

func (s *Supervisor) runPlan(ctx context.Context, cancel context.CancelFunc, p *plan.Plan) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, p.ID())
		s.mu.Unlock()
		cancel()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		p.Finish(plan.StatusCancelled, "排队等待期间被取消")
		s.finalize(p)
		return
	}
	defer s.sem.Release(1)

	if !p.MarkRunning() {
		s.finalize(p)
		return
	}

	s.recorder.RecordPlanEvent(context.Background(), "plan_started", p.Snapshot())
	s.logger.Info("计划开始执行",
		zap.String("plan_id", p.ID()),
		zap.String("kind", string(p.Spec().Kind)),
	)

	handler, ok := s.handlers[p.Spec().Kind]
	if !ok {
		p.Finish(plan.StatusFailed, fmt.Sprintf("没有匹配 %s 的处理器", p.Spec().Kind))
		s.finalize(p)
		return
	}

	err := handler(ctx, p)
	switch {
	case err == nil:
		p.Finish(plan.StatusCompleted, "")
	case errors.Is(err, context.Canceled):
		p.Finish(plan.StatusCancelled, "")
	default:
		p.Finish(plan.StatusFailed, err.Error())
		s.recorder.RecordError(context.Background(), "计划执行失败", err, map[string]interface{}{
			"plan_id": p.ID(),
			"kind":    string(p.Spec().Kind),
		})
	}

	s.finalize(p)
}

func (s *Supervisor) finalize(p *plan.Plan) {
	snap := p.Snapshot()
	s.registry.Retire(p.ID())

	s.mu.Lock()
	switch snap.Status {
	case plan.StatusCompleted:
		s.metrics.PlansCompleted++
	case plan.StatusFailed:
		s.metrics.PlansFailed++
	case plan.StatusCancelled:
		s.metrics.PlansCancelled++
	}
	s.metrics.LegsFilled += snap.Metrics.LegsFilled
	s.mu.Unlock()

	s.recorder.RecordPlanEvent(context.Background(), "plan_finished", snap)
	s.logger.Info("计划已终结",
		zap.String("plan_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Int("legs", snap.Metrics.LegsTotal),
		zap.Int("legs_filled", snap.Metrics.LegsFilled),
	)
}

// submitLeg 按重试策略提交一笔委托并追加腿记录。
// 每次失败的尝试同样落一条腿，保留完整的执行痕迹。
func (s *Supervisor) submitLeg(ctx context.Context, p *plan.Plan, req exchange.OrderRequest) (int, exchange.OrderAck, error) {
	attempts := s.retry.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, exchange.OrderAck{}, ctxErr
		}

		ack, err := s.client.PlaceOrder(ctx, req)
		if err == nil {
			state := plan.LegSubmitted
			if ack.State == exchange.OrderStateFilled {
				state = plan.LegFilled
			}
			seq := p.AppendLeg(plan.Leg{
				ExchangeOrderID: ack.ExchangeOrderID,
				Type:            req.Type,
				Side:            req.Side,
				Price:           requestPrice(req),
				Quantity:        req.Quantity,
				State:           state,
			})
			return seq, ack, nil
		}

		lastErr = err
		// 调用中途被取消不算一次触达交易所的尝试，不落腿记录
		if errors.Is(err, context.Canceled) {
			return 0, exchange.OrderAck{}, err
		}
		p.AppendLeg(plan.Leg{
			Type:     req.Type,
			Side:     req.Side,
			Price:    requestPrice(req),
			Quantity: req.Quantity,
			State:    legStateFor(err),
		})

		retryable := exchange.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
		if !retryable || attempt == attempts {
			break
		}

		wait := s.retry.backoff(attempt)
		s.logger.Warn("腿提交失败，等待重试",
			zap.String("plan_id", p.ID()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if sleepErr := sleepFor(ctx, wait); sleepErr != nil {
			return 0, exchange.OrderAck{}, sleepErr
		}
	}

	return 0, exchange.OrderAck{}, lastErr
}

// waitLegTerminal 轮询订单状态直至终态，并同步更新腿记录。
func (s *Supervisor) waitLegTerminal(ctx context.Context, p *plan.Plan, sequence int, orderID string) (exchange.OrderState, error) {
	symbol := p.Spec().Symbol

	for {
		state, err := s.client.GetOrderStatus(ctx, symbol, orderID)
		if err != nil {
			if exchange.IsPermanent(err) {
				return exchange.OrderStateUnknown, err
			}
			s.logger.Warn("查询订单状态失败",
				zap.String("plan_id", p.ID()),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		} else if state.Terminal() {
			p.UpdateLeg(sequence, legStateForOrder(state), "")
			return state, nil
		}

		if sleepErr := sleepFor(ctx, s.cfg.PollInterval); sleepErr != nil {
			return exchange.OrderStateUnknown, sleepErr
		}
	}
}

// cancelOpenLegs 在计划终结前撤掉所有仍在挂的腿。
// 清理使用独立的限时上下文，取消信号不会中断进行中的撤单请求。
func (s *Supervisor) cancelOpenLegs(p *plan.Plan) {
	open := p.OpenLegs()
	if len(open) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	symbol := p.Spec().Symbol
	for _, leg := range open {
		if leg.ExchangeOrderID == "" {
			continue
		}

		err := s.client.CancelOrder(ctx, symbol, leg.ExchangeOrderID)
		switch {
		case err == nil:
			p.UpdateLeg(leg.Sequence, plan.LegCancelled, "")
		case errors.Is(err, exchange.ErrAlreadyFilled):
			p.UpdateLeg(leg.Sequence, plan.LegFilled, "")
		case errors.Is(err, exchange.ErrNotFound):
			p.UpdateLeg(leg.Sequence, plan.LegCancelled, "")
		default:
			s.logger.Warn("清理挂单失败",
				zap.String("plan_id", p.ID()),
				zap.String("order_id", leg.ExchangeOrderID),
				zap.Error(err),
			)
		}
	}
}

func legStateForOrder(state exchange.OrderState) plan.LegState {
	switch state {
	case exchange.OrderStateFilled:
		return plan.LegFilled
	case exchange.OrderStateCanceled:
		return plan.LegCancelled
	case exchange.OrderStateRejected:
		return plan.LegRejected
	default:
		return plan.LegSubmitted
	}
}

func requestPrice(req exchange.OrderRequest) float64 {
	switch req.Type {
	case exchange.OrderTypeLimit:
		return req.Price
	case exchange.OrderTypeStop:
		return req.StopPrice
	default:
		return 0
	}
}

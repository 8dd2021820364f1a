package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"algo-trader/internal/config"
	"algo-trader/internal/engine"
	"algo-trader/internal/exchange"
	"algo-trader/internal/monitor"
	"algo-trader/internal/position"
	"algo-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配执行引擎与监控接口，阻塞直至收到退出信号，
// 随后在限时内协作式取消所有活跃计划。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("market", a.cfg.Exchange.Market),
		zap.Int("max_concurrent_plans", a.cfg.Engine.MaxConcurrentPlans),
	)

	exClient, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}

	supervisor := engine.NewSupervisor(a.cfg.Engine, exClient, monitorSvc, a.logger)
	positionMgr := position.NewManager(exClient.Raw(), a.cfg.Exchange.Market, a.logger)

	if a.cfg.Monitor.Enabled {
		api := &apiServer{
			engine:    supervisor,
			events:    monitorSvc,
			positions: positionMgr,
			orders:    exClient,
			market:    a.cfg.Exchange.Market,
			logger:    a.logger,
		}
		if err := startAPIServer(ctx, api, a.cfg.Monitor.Port); err != nil {
			return fmt.Errorf("启动监控接口失败: %w", err)
		}
	}

	<-ctx.Done()
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", ctxErr)
	}

	a.logger.Info("系统收到退出信号，正在停止活跃计划")

	shutdownTimeout := a.cfg.Engine.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := supervisor.Close(shutdownCtx); err != nil {
		a.logger.Warn("部分计划未能在限时内退出", zap.Error(err))
	}

	return nil
}

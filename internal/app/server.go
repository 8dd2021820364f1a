package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"algo-trader/internal/engine"
	"algo-trader/internal/exchange"
	"algo-trader/internal/monitor"
	"algo-trader/internal/plan"
	"algo-trader/internal/position"
)

type orderLister interface {
	GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderInfo, error)
}

// apiServer 暴露计划提交、查询与账户快照的 HTTP 接口。
type apiServer struct {
	engine    *engine.Supervisor
	events    *monitor.Service
	positions *position.Manager
	orders    orderLister
	market    string
	logger    *zap.Logger
}

func startAPIServer(ctx context.Context, api *apiServer, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /plans", api.handleSubmitPlan)
	mux.HandleFunc("GET /plans", api.handleListActive)
	mux.HandleFunc("GET /plans/completed", api.handleListCompleted)
	mux.HandleFunc("GET /plans/{id}", api.handlePlanStatus)
	mux.HandleFunc("POST /plans/{id}/cancel", api.handleCancelPlan)
	mux.HandleFunc("GET /plans/{id}/events", api.handlePlanEvents)
	mux.HandleFunc("GET /events", api.handleListEvents)
	mux.HandleFunc("GET /metrics", api.handleMetrics)
	mux.HandleFunc("GET /account", api.handleAccount)
	mux.HandleFunc("GET /orders", api.handleOpenOrders)

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			api.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			api.logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	api.logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}

func (a *apiServer) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var spec plan.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, fmt.Sprintf("解析计划失败: %s", err), http.StatusBadRequest)
		return
	}

	id, err := a.engine.SubmitPlan(r.Context(), spec)
	if err != nil {
		if errors.Is(err, plan.ErrInvalidPlan) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, map[string]string{"plan_id": id})
}

func (a *apiServer) handleListActive(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.engine.ListActivePlans())
}

func (a *apiServer) handleListCompleted(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.engine.ListCompletedPlans())
}

func (a *apiServer) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.engine.GetPlanStatus(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, snapshot)
}

func (a *apiServer) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.engine.CancelPlan(id); err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]string{"plan_id": id, "result": "cancel_requested"})
}

func (a *apiServer) handlePlanEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.events.ListPlanEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, events)
}

func (a *apiServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := a.events.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, events)
}

func (a *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.engine.GetMetrics())
}

func (a *apiServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	balance, positions, err := a.positions.FetchSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, map[string]interface{}{
		"balance":   balance,
		"positions": positions,
	})
}

func (a *apiServer) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		symbol = a.market
	}
	if symbol == "" {
		http.Error(w, "缺少 symbol 参数", http.StatusBadRequest)
		return
	}

	orders, err := a.orders.GetOpenOrders(r.Context(), symbol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, orders)
}

func (a *apiServer) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

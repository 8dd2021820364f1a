package monitor

import (
	"time"

	"algo-trader/internal/plan"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventPlanSubmitted EventType = "plan_submitted"
	EventPlanStarted   EventType = "plan_started"
	EventPlanFinished  EventType = "plan_finished"
	EventError         EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// PlanEventPayload 记录计划生命周期事件。
type PlanEventPayload struct {
	Snapshot plan.Snapshot `json:"snapshot"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

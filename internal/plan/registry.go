package plan

import (
	"fmt"
	"sync"
)

// Registry 维护活跃计划，是引擎内唯一的共享可变结构。
// 已终结的计划以只读快照形式保留在完成日志中。
type Registry struct {
	mu        sync.RWMutex
	active    map[string]*Plan
	completed []Snapshot
}

// NewRegistry 创建空的计划注册表。
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*Plan),
	}
}

// Add 注册一个活跃计划。
func (r *Registry) Add(p *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[p.ID()]; exists {
		return fmt.Errorf("plan: 计划 %s 已存在", p.ID())
	}
	r.active[p.ID()] = p
	return nil
}

// Get 返回指定活跃计划。
func (r *Registry) Get(id string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.active[id]
	return p, ok
}

// Snapshot 返回指定计划的快照，活跃与已完成的计划均可查询。
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	r.mu.RLock()
	if p, ok := r.active[id]; ok {
		r.mu.RUnlock()
		return p.Snapshot(), nil
	}
	for i := len(r.completed) - 1; i >= 0; i-- {
		if r.completed[i].ID == id {
			snap := r.completed[i]
			r.mu.RUnlock()
			return snap, nil
		}
	}
	r.mu.RUnlock()

	return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Retire 将终态计划从活跃集合移入完成日志。
func (r *Registry) Retire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.active[id]
	if !ok {
		return
	}
	delete(r.active, id)
	r.completed = append(r.completed, p.Snapshot())
}

// ListActive 返回全部活跃计划的快照。
func (r *Registry) ListActive() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.active))
	for _, p := range r.active {
		snaps = append(snaps, p.Snapshot())
	}
	return snaps
}

// ListCompleted 返回完成日志的拷贝。
func (r *Registry) ListCompleted() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, len(r.completed))
	copy(snaps, r.completed)
	return snaps
}

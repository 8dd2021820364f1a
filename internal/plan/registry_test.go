package plan

import (
	"errors"
	"testing"
)

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()
	p := New(validTWAPSpec())

	if err := r.Add(p); err != nil {
		t.Fatalf("Add 返回错误: %v", err)
	}
	if err := r.Add(p); err == nil {
		t.Fatalf("重复注册应报错")
	}

	got, ok := r.Get(p.ID())
	if !ok || got.ID() != p.ID() {
		t.Fatalf("Get 未返回已注册计划")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("未注册计划不应命中")
	}
}

func TestRegistry_RetireMovesToCompletedLog(t *testing.T) {
	r := NewRegistry()
	p := New(validTWAPSpec())
	if err := r.Add(p); err != nil {
		t.Fatalf("Add 返回错误: %v", err)
	}

	p.MarkRunning()
	p.Finish(StatusCompleted, "")
	r.Retire(p.ID())

	if _, ok := r.Get(p.ID()); ok {
		t.Fatalf("清退后的计划不应留在活跃集合")
	}
	if len(r.ListActive()) != 0 {
		t.Fatalf("活跃集合应为空")
	}

	completed := r.ListCompleted()
	if len(completed) != 1 || completed[0].ID != p.ID() {
		t.Fatalf("完成日志应包含清退的计划")
	}

	snap, err := r.Snapshot(p.ID())
	if err != nil {
		t.Fatalf("清退后的计划应仍可按ID查询: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("快照状态应为 COMPLETED，得到 %s", snap.Status)
	}
}

func TestRegistry_SnapshotUnknownPlan(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Snapshot("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("未知计划应返回 ErrNotFound，得到 %v", err)
	}
}

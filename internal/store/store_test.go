package store

import (
	"context"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskorch/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	meter := noopmetric.MeterProvider{}.Meter("test")
	s, err := Open(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := domain.Task{TaskID: "T0001", WorkflowID: "W0001", Status: domain.TaskStatusPending}
	if err := s.PutTask(ctx, task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	got, ok, err := s.GetTask(ctx, "T0001")
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if got.Status != domain.TaskStatusPending {
		t.Fatalf("round-tripped task status = %s, want pending", got.Status)
	}
}

func TestGetTaskMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetTask(context.Background(), "T9999")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a task never stored")
	}
}

func TestListTasksByWorkflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.PutTask(ctx, domain.Task{TaskID: "T1", WorkflowID: "W1"})
	_ = s.PutTask(ctx, domain.Task{TaskID: "T2", WorkflowID: "W1"})
	_ = s.PutTask(ctx, domain.Task{TaskID: "T3", WorkflowID: "W2"})

	tasks, err := s.ListTasksByWorkflow(ctx, "W1")
	if err != nil {
		t.Fatalf("ListTasksByWorkflow: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks for W1, got %d", len(tasks))
	}
}

func TestPutWorkflowArchivesPriorRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wf := domain.Workflow{WorkflowID: "W1", Status: domain.WorkflowInitializing}
	if err := s.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("PutWorkflow (v1): %v", err)
	}
	wf.Status = domain.WorkflowRunning
	if err := s.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("PutWorkflow (v2): %v", err)
	}

	versions, err := s.GetWorkflowVersions(ctx, "W1", 10)
	if err != nil {
		t.Fatalf("GetWorkflowVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected exactly 1 archived revision, got %d", len(versions))
	}
	if versions[0].Status != domain.WorkflowInitializing {
		t.Fatalf("archived revision should be the pre-update value, got %s", versions[0].Status)
	}
}

func TestExistsTaskIDReflectsStoredTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if s.ExistsTaskID("T1") {
		t.Fatalf("T1 should not exist before it is stored")
	}
	_ = s.PutTask(ctx, domain.Task{TaskID: "T1"})
	if !s.ExistsTaskID("T1") {
		t.Fatalf("T1 should exist after it is stored")
	}
}

func TestWarmCacheReloadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	meter := noopmetric.MeterProvider{}.Meter("test")

	s1, err := Open(dir, meter)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.PutTask(context.Background(), domain.Task{TaskID: "T1", WorkflowID: "W1"}); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, meter)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer s2.Close()
	_, ok, err := s2.GetTask(context.Background(), "T1")
	if err != nil || !ok {
		t.Fatalf("expected T1 to survive reopen, ok=%v err=%v", ok, err)
	}
}

func TestDeleteAgentRemovesFromCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.PutAgent(ctx, domain.Agent{AgentID: "A1"})
	if err := s.DeleteAgent(ctx, "A1"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	_, ok, _ := s.GetAgent(ctx, "A1")
	if ok {
		t.Fatalf("agent A1 should be gone after DeleteAgent")
	}
}

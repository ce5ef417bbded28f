package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/domain"
	"github.com/swarmguard/taskorch/internal/store"
)

type fakeAssigner struct {
	agentID string
	err     error
}

func (f *fakeAssigner) AssignTask(ctx context.Context, t domain.Task) (string, float64, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return f.agentID, 1.0, nil
}
func (f *fakeAssigner) ReleaseClaim(ctx context.Context, taskID string, success bool) error { return nil }

type fakeDispatcher struct {
	result  map[string]any
	success bool
	err     error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, agentID string, t domain.Task) (map[string]any, bool, error) {
	return f.result, f.success, f.err
}

type peakTrackingDispatcher struct {
	hold time.Duration

	mu      sync.Mutex
	current int
	peak    int
}

func (d *peakTrackingDispatcher) Dispatch(ctx context.Context, agentID string, t domain.Task) (map[string]any, bool, error) {
	d.mu.Lock()
	d.current++
	if d.current > d.peak {
		d.peak = d.current
	}
	d.mu.Unlock()

	time.Sleep(d.hold)

	d.mu.Lock()
	d.current--
	d.mu.Unlock()
	return map[string]any{}, true, nil
}

func newTestCoordinator(t *testing.T, cfg Config, assigner Assigner, dispatch Dispatcher) (*Coordinator, *clockid.FakeClock) {
	t.Helper()
	st, err := store.Open(t.TempDir(), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ids, err := clockid.NewIDGenerator(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewIDGenerator: %v", err)
	}
	clock := clockid.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(cfg, clock, st, ids, assigner, dispatch, nil), clock
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig(), &fakeAssigner{agentID: "A1"}, &fakeDispatcher{success: true})
	tasks := []domain.Task{{TaskID: "T1"}, {TaskID: "T2"}}
	deps := []domain.Dependency{
		{DependencyID: "D1", From: "T1", To: "T2", Type: domain.DependencyRequires},
		{DependencyID: "D2", From: "T2", To: "T1", Type: domain.DependencyRequires},
	}
	if _, _, err := c.CreateWorkflow(context.Background(), "s1", tasks, deps); err == nil {
		t.Fatalf("expected CreateWorkflow to reject a cyclic dependency set")
	}
}

func TestCreateWorkflowSeedsReadyQueueWithRootTasksOnly(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig(), &fakeAssigner{agentID: "A1"}, &fakeDispatcher{success: true})
	tasks := []domain.Task{{TaskID: "T1"}, {TaskID: "T2"}}
	deps := []domain.Dependency{{DependencyID: "D1", From: "T1", To: "T2", Type: domain.DependencyRequires}}

	if _, _, err := c.CreateWorkflow(context.Background(), "s1", tasks, deps); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	c.mu.Lock()
	ready := append([]string(nil), c.ready...)
	c.mu.Unlock()
	if len(ready) != 1 || ready[0] != "T1" {
		t.Fatalf("expected only the root task T1 on the ready queue, got %v", ready)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig(), &fakeAssigner{agentID: "A1"}, &fakeDispatcher{success: true})
	tasks := []domain.Task{{TaskID: "T1"}}
	if _, _, err := c.CreateWorkflow(context.Background(), "s1", tasks, nil); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if err := c.Transition(context.Background(), "T1", domain.TaskStatusCompleted, "skip ahead", "test", true); err == nil {
		t.Fatalf("expected pending -> completed to be rejected as an illegal transition")
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig(), &fakeAssigner{agentID: "A1"}, &fakeDispatcher{success: true})
	tasks := []domain.Task{{TaskID: "T1"}}
	if _, _, err := c.CreateWorkflow(context.Background(), "s1", tasks, nil); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if err := c.Transition(context.Background(), "T1", domain.TaskStatusInProgress, "started", "test", true); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got, _, _ := c.store.GetTask(context.Background(), "T1")
	if len(got.History) != 1 || got.History[0].To != string(domain.TaskStatusInProgress) {
		t.Fatalf("expected a single history entry recording the transition, got %+v", got.History)
	}
}

func TestCancelWorkflowCancelsAllNonTerminalTasks(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig(), &fakeAssigner{agentID: "A1"}, &fakeDispatcher{success: true})
	tasks := []domain.Task{{TaskID: "T1"}, {TaskID: "T2"}}
	wf, _, err := c.CreateWorkflow(context.Background(), "s1", tasks, nil)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	if err := c.CancelWorkflow(context.Background(), wf.WorkflowID, "user requested"); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	for _, id := range []string{"T1", "T2"} {
		got, _, _ := c.store.GetTask(context.Background(), id)
		if got.Status != domain.TaskStatusCancelled {
			t.Fatalf("expected %s cancelled, got %s", id, got.Status)
		}
	}
	gotWf, _, _ := c.store.GetWorkflow(context.Background(), wf.WorkflowID)
	if gotWf.Status != domain.WorkflowCancelled {
		t.Fatalf("expected workflow cancelled, got %s", gotWf.Status)
	}
}

func TestCancelTaskSweepsOnlyPendingDependents(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig(), &fakeAssigner{agentID: "A1"}, &fakeDispatcher{success: true})
	tasks := []domain.Task{{TaskID: "T1"}, {TaskID: "T2"}, {TaskID: "T3"}}
	deps := []domain.Dependency{
		{DependencyID: "D1", From: "T1", To: "T2", Type: domain.DependencyRequires},
		{DependencyID: "D2", From: "T1", To: "T3", Type: domain.DependencyRequires},
	}
	if _, _, err := c.CreateWorkflow(context.Background(), "s1", tasks, deps); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	// T3 is already running; CancelTask must not sweep it even though it
	// transitively depends on T1.
	if err := c.Transition(context.Background(), "T3", domain.TaskStatusInProgress, "dispatched early", "test", true); err != nil {
		t.Fatalf("Transition T3: %v", err)
	}

	if err := c.CancelTask(context.Background(), "T1", "blocked upstream"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	t1, _, _ := c.store.GetTask(context.Background(), "T1")
	if t1.Status != domain.TaskStatusCancelled {
		t.Fatalf("expected T1 cancelled, got %s", t1.Status)
	}
	t2, _, _ := c.store.GetTask(context.Background(), "T2")
	if t2.Status != domain.TaskStatusCancelled {
		t.Fatalf("expected pending dependent T2 cancelled, got %s", t2.Status)
	}
	t3, _, _ := c.store.GetTask(context.Background(), "T3")
	if t3.Status != domain.TaskStatusInProgress {
		t.Fatalf("expected already-running T3 left untouched, got %s", t3.Status)
	}
}

func TestRunWorkerNeverExceedsConcurrencyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentExecutions = 2
	dispatcher := &peakTrackingDispatcher{hold: 80 * time.Millisecond}
	c, _ := newTestCoordinator(t, cfg, &fakeAssigner{agentID: "A1"}, dispatcher)

	tasks := []domain.Task{{TaskID: "T1"}, {TaskID: "T2"}, {TaskID: "T3"}, {TaskID: "T4"}, {TaskID: "T5"}}
	if _, _, err := c.CreateWorkflow(context.Background(), "s1", tasks, nil); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	c.RunWorker(ctx)

	dispatcher.mu.Lock()
	peak := dispatcher.peak
	dispatcher.mu.Unlock()
	if peak == 0 {
		t.Fatalf("expected at least one task to have executed")
	}
	if peak > cfg.MaxConcurrentExecutions {
		t.Fatalf("concurrent executions peaked at %d, want <= %d", peak, cfg.MaxConcurrentExecutions)
	}
}

func TestResultCacheHitSkipsDispatch(t *testing.T) {
	// The dispatcher reports failure, so a completed task proves the cache
	// hit bypassed dispatch.
	c, _ := newTestCoordinator(t, DefaultConfig(), &fakeAssigner{agentID: "A1"}, &fakeDispatcher{success: false})
	task := domain.Task{TaskID: "T1", Title: "build", Type: domain.TaskDevelopment}
	if _, _, err := c.CreateWorkflow(context.Background(), "s1", []domain.Task{task}, nil); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	stored, _, _ := c.store.GetTask(context.Background(), "T1")
	c.cache.put(c.cacheKey(stored), map[string]any{"ok": true})

	c.executeOne(context.Background(), "T1")

	got, _, _ := c.store.GetTask(context.Background(), "T1")
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected cache hit to complete the task without dispatching, got %s", got.Status)
	}
}

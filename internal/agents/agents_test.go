package agents

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/domain"
	"github.com/swarmguard/taskorch/internal/store"
)

type fakeBus struct{ events []string }

func (f *fakeBus) Publish(ctx context.Context, kind string, payload map[string]any) {
	f.events = append(f.events, kind)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *clockid.FakeClock, *fakeBus) {
	t.Helper()
	st, err := store.Open(t.TempDir(), noopmetric.MeterProvider{}.Meter("test"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	clock := clockid.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := &fakeBus{}
	return New(cfg, clock, st, bus), clock, bus
}

func TestRegisterAgentClampsMaxConcurrentTasks(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())
	a, err := r.RegisterAgent(context.Background(), domain.Agent{AgentID: "A1", MaxConcurrentTasks: 0})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if a.MaxConcurrentTasks != 1 {
		t.Fatalf("expected MaxConcurrentTasks clamped up to 1, got %d", a.MaxConcurrentTasks)
	}

	a2, err := r.RegisterAgent(context.Background(), domain.Agent{AgentID: "A2", MaxConcurrentTasks: 999})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if a2.MaxConcurrentTasks != DefaultConfig().MaxConcurrentTasksCap {
		t.Fatalf("expected MaxConcurrentTasks clamped down to cap, got %d", a2.MaxConcurrentTasks)
	}
}

func TestAssignTaskRequiresCapabilitySuperset(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())
	if _, err := r.RegisterAgent(context.Background(), domain.Agent{
		AgentID: "A1", MaxConcurrentTasks: 2, Capabilities: []string{"go"},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	task := domain.Task{TaskID: "T1", RequiredCapabilities: []string{"go", "rust"}}
	if _, _, err := r.AssignTask(context.Background(), task); err == nil {
		t.Fatalf("expected AssignTask to fail: no agent has the full capability superset")
	}
}

func TestAssignTaskPrefersHigherScoreTieBrokenByAgentID(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())
	if _, err := r.RegisterAgent(context.Background(), domain.Agent{
		AgentID: "A2", MaxConcurrentTasks: 2, Capabilities: []string{"go"},
	}); err != nil {
		t.Fatalf("RegisterAgent A2: %v", err)
	}
	if _, err := r.RegisterAgent(context.Background(), domain.Agent{
		AgentID: "A1", MaxConcurrentTasks: 2, Capabilities: []string{"go"},
	}); err != nil {
		t.Fatalf("RegisterAgent A1: %v", err)
	}

	task := domain.Task{TaskID: "T1", RequiredCapabilities: []string{"go"}}
	agentID, _, err := r.AssignTask(context.Background(), task)
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if agentID != "A1" {
		t.Fatalf("expected the tie to break toward the lexicographically smaller agent id, got %s", agentID)
	}
}

func TestAssignTaskQueuesWhenNoAgentQualifiesThenRetriesOnRegistration(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())
	task := domain.Task{TaskID: "T1", RequiredCapabilities: []string{"go"}}
	if _, _, err := r.AssignTask(context.Background(), task); err == nil {
		t.Fatalf("expected AssignTask to fail with no agents registered")
	}

	r.mu.Lock()
	pendingLen := len(r.pending)
	r.mu.Unlock()
	if pendingLen != 1 {
		t.Fatalf("expected the task to be parked on the pending queue, got %d entries", pendingLen)
	}

	if _, err := r.RegisterAgent(context.Background(), domain.Agent{
		AgentID: "A1", MaxConcurrentTasks: 2, Capabilities: []string{"go"},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	r.mu.Lock()
	pendingLen = len(r.pending)
	_, claimed := r.claims["T1"]
	r.mu.Unlock()
	if pendingLen != 0 || !claimed {
		t.Fatalf("expected registration to drain the pending queue and claim T1, pendingLen=%d claimed=%v", pendingLen, claimed)
	}
}

func TestHeartbeatResetsGracePeriodCount(t *testing.T) {
	r, clock, _ := newTestRegistry(t, DefaultConfig())
	if _, err := r.RegisterAgent(context.Background(), domain.Agent{AgentID: "A1", MaxConcurrentTasks: 1}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	a, _, _ := r.store.GetAgent(context.Background(), "A1")
	a.GracePeriodCount = 2
	_ = r.store.PutAgent(context.Background(), a)

	clock.Advance(time.Second)
	activity := domain.ActivityTaskExecution
	progress := 5
	if err := r.Heartbeat(context.Background(), "A1", domain.AgentBusy, &activity, &progress); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, _, _ := r.store.GetAgent(context.Background(), "A1")
	if got.GracePeriodCount != 0 {
		t.Fatalf("expected GracePeriodCount reset to 0 on heartbeat, got %d", got.GracePeriodCount)
	}
	if got.CurrentActivity != domain.ActivityTaskExecution {
		t.Fatalf("expected activity updated to task_execution, got %s", got.CurrentActivity)
	}
}

func TestSweepOfflineRespectsGracePeriodBoundBeforeMarkingOffline(t *testing.T) {
	cfg := Config{
		BaseHeartbeatInterval:     30 * time.Second,
		GracePeriodDuration:       10 * time.Second,
		MaxGracePeriods:           2,
		WorkflowCriticalExtension: 0,
		ClaimTTL:                  time.Minute,
		MaxConcurrentTasksCap:     10,
	}
	r, clock, bus := newTestRegistry(t, cfg)
	if _, err := r.RegisterAgent(context.Background(), domain.Agent{AgentID: "A1", MaxConcurrentTasks: 1}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	// First silence: the idle heartbeat timeout (base interval times the idle
	// multiplier) elapses, grace period 1 of 2 begins.
	clock.Advance(cfg.BaseHeartbeatInterval * time.Duration(domain.ActivityMultipliers[domain.ActivityIdle]))
	if err := r.SweepOffline(context.Background()); err != nil {
		t.Fatalf("SweepOffline (1): %v", err)
	}
	a, _, _ := r.store.GetAgent(context.Background(), "A1")
	if a.Status == domain.AgentOffline {
		t.Fatalf("agent must not be offline after only 1 of %d grace periods", cfg.MaxGracePeriods)
	}

	// Second silence: grace period 2 of 2 begins, still not offline.
	clock.Advance(cfg.GracePeriodDuration)
	if err := r.SweepOffline(context.Background()); err != nil {
		t.Fatalf("SweepOffline (2): %v", err)
	}
	a, _, _ = r.store.GetAgent(context.Background(), "A1")
	if a.Status == domain.AgentOffline {
		t.Fatalf("agent must not be offline after only 2 of %d grace periods", cfg.MaxGracePeriods)
	}

	// Third silence exhausts the grace period budget: now offline.
	clock.Advance(cfg.GracePeriodDuration)
	if err := r.SweepOffline(context.Background()); err != nil {
		t.Fatalf("SweepOffline (3): %v", err)
	}
	a, _, _ = r.store.GetAgent(context.Background(), "A1")
	if a.Status != domain.AgentOffline {
		t.Fatalf("expected agent offline after timeout + %d grace periods of silence, got %s", cfg.MaxGracePeriods, a.Status)
	}
	if len(bus.events) == 0 || bus.events[len(bus.events)-1] != "agent_offline" {
		t.Fatalf("expected a final agent_offline event, got %v", bus.events)
	}
}

func TestReleaseClaimReturnsAgentToAvailable(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())
	if _, err := r.RegisterAgent(context.Background(), domain.Agent{
		AgentID: "A1", MaxConcurrentTasks: 1, Capabilities: []string{"go"},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task := domain.Task{TaskID: "T1", RequiredCapabilities: []string{"go"}}
	if _, _, err := r.AssignTask(context.Background(), task); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	if err := r.ReleaseClaim(context.Background(), "T1", true); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}

	a, _, _ := r.store.GetAgent(context.Background(), "A1")
	if a.Status != domain.AgentAvailable {
		t.Fatalf("expected agent back to available after releasing its only claim, got %s", a.Status)
	}
	if a.TasksCompleted != 1 {
		t.Fatalf("expected TasksCompleted incremented, got %d", a.TasksCompleted)
	}
}

func TestExpireClaimsReleasesPastDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClaimTTL = time.Second
	r, clock, _ := newTestRegistry(t, cfg)
	if _, err := r.RegisterAgent(context.Background(), domain.Agent{
		AgentID: "A1", MaxConcurrentTasks: 1, Capabilities: []string{"go"},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	task := domain.Task{TaskID: "T1", RequiredCapabilities: []string{"go"}}
	if _, _, err := r.AssignTask(context.Background(), task); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	clock.Advance(2 * time.Second)
	expired, err := r.ExpireClaims(context.Background())
	if err != nil {
		t.Fatalf("ExpireClaims: %v", err)
	}
	if len(expired) != 1 || expired[0] != "T1" {
		t.Fatalf("expected T1 to expire, got %v", expired)
	}

	a, _, _ := r.store.GetAgent(context.Background(), "A1")
	if len(a.CurrentTasks) != 0 {
		t.Fatalf("expected the agent's task list cleared after claim expiry, got %v", a.CurrentTasks)
	}
}

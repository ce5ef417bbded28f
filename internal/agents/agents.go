// Package agents implements the agent orchestrator with workflow-aware
// heartbeats (§4.E): registration, capability-matched task assignment, the
// claim protocol, and the activity-multiplied heartbeat/grace-period/
// adaptive-extension timeout model.
package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/domain"
	"github.com/swarmguard/taskorch/internal/store"
)

const component = "agents"

// Config holds the tunables for heartbeat scheduling.
type Config struct {
	BaseHeartbeatInterval     time.Duration // default 30s
	GracePeriodDuration       time.Duration // default 60s
	MaxGracePeriods           int           // default 3
	WorkflowCriticalExtension time.Duration // default 300s
	ClaimTTL                  time.Duration // default 120s
	MaxConcurrentTasksCap     int           // configMax clamp ceiling
}

func DefaultConfig() Config {
	return Config{
		BaseHeartbeatInterval:     30 * time.Second,
		GracePeriodDuration:       60 * time.Second,
		MaxGracePeriods:           3,
		WorkflowCriticalExtension: 300 * time.Second,
		ClaimTTL:                  120 * time.Second,
		MaxConcurrentTasksCap:     10,
	}
}

// EventBus publishes agent liveness events the same way the teacher's
// CancellationManager emits OTel span events on state changes.
type EventBus interface {
	Publish(ctx context.Context, kind string, payload map[string]any)
}

// Registry is the agent orchestrator. It owns Agent and Claim mutations.
type Registry struct {
	cfg   Config
	clock clockid.Clock
	store *store.Store
	bus   EventBus

	mu     sync.Mutex
	claims map[string]domain.Claim // taskId -> Claim
	// deadline tracks, per agent, the wall-clock instant at which silence
	// would mean offline absent grace periods; recomputed on every signal.
	deadline map[string]time.Time
	pending  []domain.Task // tasks awaiting an available agent
}

func New(cfg Config, clock clockid.Clock, st *store.Store, bus EventBus) *Registry {
	return &Registry{
		cfg:      cfg,
		clock:    clock,
		store:    st,
		bus:      bus,
		claims:   make(map[string]domain.Claim),
		deadline: make(map[string]time.Time),
	}
}

// RegisterAgent persists agent, clamping MaxConcurrentTasks to
// [1, configMax] and starting its heartbeat clock.
func (r *Registry) RegisterAgent(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	if a.MaxConcurrentTasks < 1 {
		a.MaxConcurrentTasks = 1
	}
	if a.MaxConcurrentTasks > r.cfg.MaxConcurrentTasksCap {
		a.MaxConcurrentTasks = r.cfg.MaxConcurrentTasksCap
	}
	now := r.clock.Now()
	a.LastHeartbeat = now
	a.ActivityStartTime = now
	if a.Status == "" {
		a.Status = domain.AgentAvailable
	}
	if a.CurrentActivity == "" {
		a.CurrentActivity = domain.ActivityIdle
	}

	if err := r.store.PutAgent(ctx, a); err != nil {
		return domain.Agent{}, err
	}

	r.mu.Lock()
	r.deadline[a.AgentID] = now.Add(r.effectiveTimeout(a))
	r.mu.Unlock()

	r.retryPending(ctx)
	return a, nil
}

// score computes the assignment score for an agent against a task: §4.E's
// four-term combination (capability overlap, concurrency slack, historical
// success rate, heartbeat recency).
func score(a domain.Agent, t domain.Task, now time.Time) (float64, bool) {
	required := make(map[string]bool, len(t.RequiredCapabilities))
	for _, c := range t.RequiredCapabilities {
		required[c] = true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	matched := 0
	for c := range required {
		if !have[c] {
			return 0, false // not a superset, disqualified
		}
		matched++
	}
	overlap := 1.0
	if len(required) > 0 {
		overlap = float64(matched) / float64(len(required))
	}

	slack := 1.0 - float64(len(a.CurrentTasks))/float64(a.MaxConcurrentTasks)
	successRate := a.SuccessRate()

	recency := 1.0
	age := now.Sub(a.LastHeartbeat)
	if age > 0 {
		recency = 1.0 / (1.0 + age.Seconds()/30.0)
	}

	return 0.4*overlap + 0.3*slack + 0.2*successRate + 0.1*recency, true
}

// AssignTask selects the highest-scoring qualifying agent for t, ties
// broken by agent ID. If none qualifies, t is placed on the pending queue.
func (r *Registry) AssignTask(ctx context.Context, t domain.Task) (string, float64, error) {
	agentsList, err := r.store.ListAgents(ctx)
	if err != nil {
		return "", 0, err
	}
	now := r.clock.Now()

	type candidate struct {
		agent domain.Agent
		score float64
	}
	var candidates []candidate
	for _, a := range agentsList {
		if a.Status == domain.AgentOffline {
			continue
		}
		if len(a.CurrentTasks) >= a.MaxConcurrentTasks {
			continue
		}
		s, ok := score(a, t, now)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{a, s})
	}
	if len(candidates) == 0 {
		r.mu.Lock()
		r.pending = append(r.pending, t)
		r.mu.Unlock()
		return "", 0, apperr.New(apperr.ResourceExhausted, component, "AssignTask", "no qualifying agent available", t.TaskID)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].agent.AgentID < candidates[j].agent.AgentID
	})
	best := candidates[0]

	best.agent.CurrentTasks = append(best.agent.CurrentTasks, t.TaskID)
	best.agent.Status = domain.AgentBusy
	best.agent.CurrentActivity = domain.ActivityTaskExecution
	best.agent.ActivityStartTime = now
	best.agent.IsWorkflowCritical = best.agent.CurrentActivity.IsWorkflowCritical()
	if err := r.store.PutAgent(ctx, best.agent); err != nil {
		return "", 0, err
	}

	claim := domain.Claim{
		TaskID:    t.TaskID,
		AgentID:   best.agent.AgentID,
		ClaimedAt: now,
		ExpiresAt: now.Add(r.cfg.ClaimTTL),
	}
	r.mu.Lock()
	r.claims[t.TaskID] = claim
	r.deadline[best.agent.AgentID] = now.Add(r.effectiveTimeout(best.agent))
	r.mu.Unlock()

	return best.agent.AgentID, best.score, nil
}

// retryPending re-attempts assignment for tasks parked on the pending
// queue, called on registration and on every heartbeat.
func (r *Registry) retryPending(ctx context.Context) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	var stillPending []domain.Task
	for _, t := range pending {
		if _, _, err := r.AssignTask(ctx, t); err != nil {
			stillPending = append(stillPending, t)
		}
	}
	if len(stillPending) > 0 {
		r.mu.Lock()
		r.pending = append(r.pending, stillPending...)
		r.mu.Unlock()
	}
}

// effectiveTimeout returns the activity-multiplied heartbeat timeout for a.
func (r *Registry) effectiveTimeout(a domain.Agent) time.Duration {
	mult, ok := domain.ActivityMultipliers[a.CurrentActivity]
	if !ok {
		mult = domain.ActivityMultipliers[domain.ActivityIdle]
	}
	return r.cfg.BaseHeartbeatInterval * time.Duration(mult)
}

// Heartbeat records liveness plus optional activity/progress, resetting the
// grace-period counter and recomputing the effective deadline, applying
// adaptive extension when a progress percentage and expected duration are
// available.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status domain.AgentStatus, activity *domain.AgentActivity, progress *int) error {
	a, ok, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, component, "Heartbeat", "agent not registered", agentID)
	}

	now := r.clock.Now()
	a.LastHeartbeat = now
	a.GracePeriodCount = 0
	if status != "" {
		a.Status = status
	}
	if activity != nil {
		if *activity != a.CurrentActivity {
			a.ActivityStartTime = now
		}
		a.CurrentActivity = *activity
		a.IsWorkflowCritical = a.CurrentActivity.IsWorkflowCritical()
	}
	if progress != nil {
		a.ProgressPercentage = *progress
	}

	if err := r.store.PutAgent(ctx, a); err != nil {
		return err
	}

	timeout := r.effectiveTimeout(a)
	if progress != nil && *progress > 10 && a.ExpectedDuration > 0 {
		elapsed := now.Sub(a.ActivityStartTime)
		p := float64(*progress) / 100.0
		remaining := time.Duration(float64(elapsed) * (1 - p) / p)
		extension := time.Duration(float64(remaining) * 1.5)
		if extension > timeout {
			timeout = extension
		}
	}
	if a.IsWorkflowCritical {
		timeout += r.cfg.WorkflowCriticalExtension
	}

	r.mu.Lock()
	r.deadline[agentID] = now.Add(timeout)
	r.mu.Unlock()

	r.retryPending(ctx)
	return nil
}

// SweepOffline scans every agent's deadline, advancing grace periods and
// marking agents offline per §4.E's grace-period bound: offline occurs only
// after timeout + maxGracePeriods*gracePeriodDuration of total silence.
// Intended to be called periodically from a background goroutine in main.
func (r *Registry) SweepOffline(ctx context.Context) error {
	now := r.clock.Now()

	agentsList, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	for _, a := range agentsList {
		if a.Status == domain.AgentOffline {
			continue
		}

		r.mu.Lock()
		deadline, tracked := r.deadline[a.AgentID]
		r.mu.Unlock()
		if !tracked || now.Before(deadline) {
			continue
		}

		if a.GracePeriodCount < r.cfg.MaxGracePeriods {
			a.GracePeriodCount++
			if err := r.store.PutAgent(ctx, a); err != nil {
				return err
			}
			r.mu.Lock()
			r.deadline[a.AgentID] = now.Add(r.cfg.GracePeriodDuration)
			r.mu.Unlock()
			if r.bus != nil {
				r.bus.Publish(ctx, "grace_period", map[string]any{
					"agentId":          a.AgentID,
					"gracePeriodCount": a.GracePeriodCount,
				})
			}
			continue
		}

		if err := r.markOffline(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) markOffline(ctx context.Context, a domain.Agent) error {
	a.Status = domain.AgentOffline
	releasedTasks := append([]string(nil), a.CurrentTasks...)
	a.CurrentTasks = nil
	a.CurrentActivity = domain.ActivityIdle
	if err := r.store.PutAgent(ctx, a); err != nil {
		return err
	}

	r.mu.Lock()
	for _, taskID := range releasedTasks {
		delete(r.claims, taskID)
	}
	delete(r.deadline, a.AgentID)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(ctx, "agent_offline", map[string]any{
			"agentId":       a.AgentID,
			"releasedTasks": releasedTasks,
		})
	}
	return nil
}

// ReleaseClaim releases the claim held on taskID (completion, failure, or
// cancellation) and returns the agent's activity to idle.
func (r *Registry) ReleaseClaim(ctx context.Context, taskID string, success bool) error {
	r.mu.Lock()
	claim, ok := r.claims[taskID]
	if ok {
		delete(r.claims, taskID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	a, ok, err := r.store.GetAgent(ctx, claim.AgentID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	a.CurrentTasks = removeTask(a.CurrentTasks, taskID)
	if success {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
	if len(a.CurrentTasks) == 0 {
		a.Status = domain.AgentAvailable
		a.CurrentActivity = domain.ActivityIdle
	}
	return r.store.PutAgent(ctx, a)
}

// ExpireClaims releases any claim whose expiry has passed without a
// completion report and returns their task IDs. It does not change the
// tasks' status or put them back on a ready queue.
func (r *Registry) ExpireClaims(ctx context.Context) ([]string, error) {
	now := r.clock.Now()
	var expired []string

	r.mu.Lock()
	for taskID, claim := range r.claims {
		if claim.Expired(now) {
			expired = append(expired, taskID)
		}
	}
	r.mu.Unlock()

	for _, taskID := range expired {
		if err := r.ReleaseClaim(ctx, taskID, false); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func removeTask(tasks []string, taskID string) []string {
	out := tasks[:0]
	for _, t := range tasks {
		if t != taskID {
			out = append(out, t)
		}
	}
	return out
}

// Package lifecycle implements the unified lifecycle & execution
// coordinator (§4.F): the task state machine, the execution queue, workflow
// cancellation, and crash-recovery-on-startup, plus two supplemented
// features — cron-scheduled recurring workflows and idempotent result
// caching for re-execution (SPEC_FULL.md §10).
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/depgraph"
	"github.com/swarmguard/taskorch/internal/domain"
	"github.com/swarmguard/taskorch/internal/resilience"
	"github.com/swarmguard/taskorch/internal/store"
)

const component = "lifecycle"

const maxWorkflowHistory = 500

// Config holds the coordinator's tunables.
type Config struct {
	MaxConcurrentExecutions int
	ExecutionTimeout        time.Duration // default 300s
	AgentCommTimeout        time.Duration // default 30s
	CancelAckTimeout        time.Duration // default 10s
	BackupInterval          time.Duration // periodic persistence sweep
	ResultCacheSize         int
	ResultCacheTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 8,
		ExecutionTimeout:        300 * time.Second,
		AgentCommTimeout:        30 * time.Second,
		CancelAckTimeout:        10 * time.Second,
		BackupInterval:          time.Minute,
		ResultCacheSize:         1000,
		ResultCacheTTL:          30 * time.Minute,
	}
}

// Assigner is the subset of internal/agents.Registry the coordinator needs
// — a narrow interface per the spec's "shared context, no circular
// ownership" design note.
type Assigner interface {
	AssignTask(ctx context.Context, t domain.Task) (agentID string, score float64, err error)
	ReleaseClaim(ctx context.Context, taskID string, success bool) error
}

// Dispatcher hands a task to its assigned agent through the transport
// adapter and waits for a terminal report or timeout.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, t domain.Task) (result map[string]any, success bool, err error)
}

// EventBus publishes lifecycle events (task/workflow transitions,
// cancellation) the way CancellationManager emits OTel span events.
type EventBus interface {
	Publish(ctx context.Context, kind string, payload map[string]any)
}

// Coordinator is the lifecycle & execution coordinator. It exclusively owns
// Workflow and Task mutations.
type Coordinator struct {
	cfg      Config
	clock    clockid.Clock
	store    *store.Store
	ids      *clockid.IDGenerator
	assigner Assigner
	dispatch Dispatcher
	bus      EventBus

	mu        sync.Mutex // guards per-workflow locks map and ready queue
	wfLocks   map[string]*sync.Mutex
	ready     []string
	running   map[string]bool
	cancelled map[string]bool // workflowIds currently being cancelled, cooperative

	cache *resultCache
	cron  *cron.Cron

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker // per-agent, agent-comm health
}

func New(cfg Config, clock clockid.Clock, st *store.Store, ids *clockid.IDGenerator, assigner Assigner, dispatch Dispatcher, bus EventBus) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		clock:     clock,
		store:     st,
		ids:       ids,
		assigner:  assigner,
		dispatch:  dispatch,
		bus:       bus,
		wfLocks:   make(map[string]*sync.Mutex),
		running:   make(map[string]bool),
		cancelled: make(map[string]bool),
		cache:     newResultCache(clock, cfg.ResultCacheSize, cfg.ResultCacheTTL),
		cron:      cron.New(),
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the per-agent circuit breaker tracking dispatch
// success rate, opening after a sustained failure rate and cooling down for
// AgentCommTimeout before allowing half-open probes — an unreachable agent
// stops absorbing the full ExecutionTimeout on every queued task.
func (c *Coordinator) breakerFor(agentID string) *resilience.CircuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	b, ok := c.breakers[agentID]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, c.cfg.AgentCommTimeout, 1)
		c.breakers[agentID] = b
	}
	return b
}

func (c *Coordinator) lockFor(workflowID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.wfLocks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		c.wfLocks[workflowID] = l
	}
	return l
}

// Recover scans the store on startup, reconstructing in-memory ready-queue
// state and demoting any task that was in_progress at shutdown back to
// pending with a recovered_from_crash transition annotation.
func (c *Coordinator) Recover(ctx context.Context) error {
	workflows, err := c.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		tasks, err := c.store.ListTasksByWorkflow(ctx, wf.WorkflowID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status == domain.TaskStatusInProgress {
				t.History = appendHistory(t.History, domain.TransitionRecord{
					Timestamp:   c.clock.Now(),
					From:        string(t.Status),
					To:          string(domain.TaskStatusPending),
					Reason:      "recovered_from_crash",
					TriggeredBy: "coordinator",
					IsAutomated: true,
				})
				t.Status = domain.TaskStatusPending
				t.UpdatedAt = c.clock.Now()
				if err := c.store.PutTask(ctx, t); err != nil {
					return err
				}
			}
			if c.isReady(ctx, t) {
				c.enqueue(t.TaskID)
			}
		}
	}
	return nil
}

// CreateWorkflow validates the dependency graph via internal/depgraph,
// rejecting cycles, persists the workflow and its tasks, and seeds the
// ready queue with tasks that have no dependencies.
func (c *Coordinator) CreateWorkflow(ctx context.Context, sessionID string, tasks []domain.Task, deps []domain.Dependency) (domain.Workflow, depgraph.Report, error) {
	report := depgraph.Validate(tasks, deps)
	if len(report.CircularDependencies) > 0 {
		return domain.Workflow{}, report, apperr.New(apperr.DependencyCycle, component, "CreateWorkflow", "dependency graph contains a cycle").
			WithMetadata("cycles", report.CircularDependencies)
	}
	if len(report.Errors) > 0 {
		return domain.Workflow{}, report, apperr.New(apperr.Validation, component, "CreateWorkflow", "invalid dependency set").
			WithMetadata("errors", report.Errors)
	}

	now := c.clock.Now()
	workflowID, err := c.ids.NextWorkflowID()
	if err != nil {
		return domain.Workflow{}, report, err
	}

	taskIDs := make([]string, len(tasks))
	dependencies := make(map[string][]string)
	for i, t := range tasks {
		t.WorkflowID = workflowID
		t.Status = domain.TaskStatusPending
		t.CreatedAt = now
		t.UpdatedAt = now
		taskIDs[i] = t.TaskID
		if err := c.store.PutTask(ctx, t); err != nil {
			return domain.Workflow{}, report, err
		}
		tasks[i] = t
	}
	for _, d := range deps {
		dependencies[d.To] = append(dependencies[d.To], d.From)
	}

	wf := domain.Workflow{
		WorkflowID:   workflowID,
		SessionID:    sessionID,
		Phase:        domain.PhaseOrchestration,
		Status:       domain.WorkflowRunning,
		StartTime:    now,
		Tasks:        taskIDs,
		Dependencies: dependencies,
	}
	if err := c.store.PutWorkflow(ctx, wf); err != nil {
		return domain.Workflow{}, report, err
	}

	for _, t := range tasks {
		if c.isReady(ctx, t) {
			c.enqueue(t.TaskID)
		}
	}

	return wf, report, nil
}

func (c *Coordinator) isReady(ctx context.Context, t domain.Task) bool {
	if t.Status != domain.TaskStatusPending {
		return false
	}
	wf, ok, err := c.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil || !ok {
		return false
	}
	for _, depID := range wf.Dependencies[t.TaskID] {
		dep, ok, err := c.store.GetTask(ctx, depID)
		if err != nil || !ok || dep.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (c *Coordinator) enqueue(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ready {
		if id == taskID {
			return
		}
	}
	c.ready = append(c.ready, taskID)
}

func (c *Coordinator) dequeue() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ready) == 0 {
		return "", false
	}
	id := c.ready[0]
	c.ready = c.ready[1:]
	return id, true
}

func (c *Coordinator) runningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// RunBackupSweep periodically reconciles the in-memory ready queue against
// durable store state on BackupInterval, re-enqueuing any pending task whose
// dependencies have completed but that fell out of the queue — the same
// check Recover performs once at startup, repeated for tasks whose
// readiness only became true later (a dependency finishing while this task
// was never itself re-evaluated).
func (c *Coordinator) RunBackupSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcileReadyQueue(ctx)
		}
	}
}

func (c *Coordinator) reconcileReadyQueue(ctx context.Context) {
	workflows, err := c.store.ListWorkflows(ctx)
	if err != nil {
		return
	}
	for _, wf := range workflows {
		tasks, err := c.store.ListTasksByWorkflow(ctx, wf.WorkflowID)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			if c.isReady(ctx, t) {
				c.enqueue(t.TaskID)
			}
		}
	}
}

// RunWorker is the coordinator's single worker loop: it pulls from the
// ready queue while len(running) < MaxConcurrentExecutions, per §4.F step
// 1-5. Intended to be started as one or more goroutines from main.
func (c *Coordinator) RunWorker(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.runningCount() >= c.cfg.MaxConcurrentExecutions {
				continue
			}
			taskID, ok := c.dequeue()
			if !ok {
				continue
			}
			c.mu.Lock()
			c.running[taskID] = true
			c.mu.Unlock()
			go c.executeOne(ctx, taskID)
		}
	}
}

func (c *Coordinator) executeOne(ctx context.Context, taskID string) {
	defer func() {
		c.mu.Lock()
		delete(c.running, taskID)
		c.mu.Unlock()
	}()

	t, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil || !ok {
		return
	}

	if cached, hit := c.cache.get(c.cacheKey(t)); hit {
		// A cache hit still walks the full pending -> in_progress -> completed
		// sequence rather than jumping straight to completed, which domain's
		// LegalTransitions table does not allow from pending.
		if err := c.Transition(ctx, taskID, domain.TaskStatusInProgress, "cache hit, skipping dispatch", "coordinator", true); err != nil {
			return
		}
		c.complete(ctx, t, cached, true)
		return
	}

	agentID, _, err := c.assigner.AssignTask(ctx, t)
	if err != nil {
		c.enqueue(taskID) // requeue with implicit delay via ticker cadence
		return
	}

	breaker := c.breakerFor(agentID)
	if !breaker.Allow() {
		_ = c.assigner.ReleaseClaim(ctx, taskID, false)
		c.enqueue(taskID) // agent's breaker is open, try a different agent next tick
		return
	}

	if err := c.Transition(ctx, taskID, domain.TaskStatusInProgress, "assigned to agent", "coordinator", true); err != nil {
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	defer cancel()

	result, success, dispatchErr := c.dispatch.Dispatch(execCtx, agentID, t)
	breaker.RecordResult(dispatchErr == nil)

	if dispatchErr != nil {
		c.handleDispatchFailure(ctx, t, agentID, dispatchErr)
		return
	}

	c.cache.put(c.cacheKey(t), result)
	_ = c.assigner.ReleaseClaim(ctx, taskID, success)
	c.complete(ctx, t, result, success)
}

func (c *Coordinator) handleDispatchFailure(ctx context.Context, t domain.Task, agentID string, err error) {
	_ = c.assigner.ReleaseClaim(ctx, t.TaskID, false)
	kind := apperr.KindOf(err)
	if kind == apperr.Timeout || kind == apperr.Conflict {
		_ = c.Transition(ctx, t.TaskID, domain.TaskStatusBlocked, err.Error(), "coordinator", true)
		return
	}
	_ = c.Transition(ctx, t.TaskID, domain.TaskStatusFailed, err.Error(), "coordinator", true)
}

func (c *Coordinator) complete(ctx context.Context, t domain.Task, result map[string]any, success bool) {
	status := domain.TaskStatusCompleted
	if !success {
		status = domain.TaskStatusFailed
	}
	_ = c.Transition(ctx, t.TaskID, status, "agent reported terminal result", "agent", false)

	if success {
		wf, ok, err := c.store.GetWorkflow(ctx, t.WorkflowID)
		if err == nil && ok {
			c.reevaluateReadySet(ctx, wf)
		}
	}
}

func (c *Coordinator) reevaluateReadySet(ctx context.Context, wf domain.Workflow) {
	tasks, err := c.store.ListTasksByWorkflow(ctx, wf.WorkflowID)
	if err != nil {
		return
	}
	allTerminal := true
	for _, t := range tasks {
		if !t.Status.Terminal() {
			allTerminal = false
		}
		if c.isReady(ctx, t) {
			c.enqueue(t.TaskID)
		}
	}
	if allTerminal {
		wf.Status = domain.WorkflowCompleted
		now := c.clock.Now()
		wf.EndTime = &now
		wf.Phase = domain.PhaseCleanup
		_ = c.store.PutWorkflow(ctx, wf)
	}
}

// Transition applies a legal task state change, rejecting anything outside
// domain.LegalTransitions with InvalidTransition, and appends a bounded
// history entry.
func (c *Coordinator) Transition(ctx context.Context, taskID string, to domain.TaskStatus, reason, triggeredBy string, automated bool) error {
	t, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, component, "Transition", "task not found", taskID)
	}
	l := c.lockFor(t.WorkflowID)
	l.Lock()
	defer l.Unlock()

	// Re-read under the workflow lock so the legality check sees the latest status.
	t, ok, err = c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, component, "Transition", "task not found", taskID)
	}
	if !domain.IsLegalTransition(t.Status, to) {
		return apperr.New(apperr.InvalidTransition, component, "Transition", "illegal task transition", taskID).
			WithMetadata("from", string(t.Status), "to", string(to), "validTransitions", domain.LegalTransitions[t.Status])
	}

	now := c.clock.Now()
	t.History = appendHistory(t.History, domain.TransitionRecord{
		Timestamp:   now,
		From:        string(t.Status),
		To:          string(to),
		Reason:      reason,
		TriggeredBy: triggeredBy,
		IsAutomated: automated,
	})
	t.Status = to
	t.UpdatedAt = now

	if _, err := resilience.Retry(ctx, 3, 20*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, c.store.PutTask(ctx, t)
	}); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(ctx, "taskTransition", map[string]any{
			"taskId": taskID, "from": t.History[len(t.History)-1].From, "to": string(to),
		})
	}
	return nil
}

func appendHistory(history []domain.TransitionRecord, rec domain.TransitionRecord) []domain.TransitionRecord {
	history = append(history, rec)
	if len(history) > maxWorkflowHistory {
		history = history[len(history)-maxWorkflowHistory:]
	}
	return history
}

// CancelWorkflow transitions every non-terminal task in workflowID to
// cancelled and releases its claim, under a context bounded by
// CancelAckTimeout. An in-flight Dispatch call for a cancelled task is not
// interrupted; it ends when its agent reports or ExecutionTimeout expires.
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	wf, ok, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, component, "CancelWorkflow", "workflow not found", workflowID)
	}

	c.mu.Lock()
	c.cancelled[workflowID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancelled, workflowID)
		c.mu.Unlock()
	}()

	tasks, err := c.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ackCtx, cancel := context.WithTimeout(ctx, c.cfg.CancelAckTimeout)
	defer cancel()

	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if err := c.Transition(ackCtx, t.TaskID, domain.TaskStatusCancelled, reason, "coordinator", true); err != nil {
			continue
		}
		_ = c.assigner.ReleaseClaim(ackCtx, t.TaskID, false)
	}

	wf.Status = domain.WorkflowCancelled
	now := c.clock.Now()
	wf.EndTime = &now
	return c.store.PutWorkflow(ctx, wf)
}

// CancelTask cancels a single task and any transitively dependent,
// not-yet-started task, leaving independent and already-started tasks
// untouched.
func (c *Coordinator) CancelTask(ctx context.Context, taskID, reason string) error {
	t, ok, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.NotFound, component, "CancelTask", "task not found", taskID)
	}

	wf, ok, err := c.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil || !ok {
		return apperr.New(apperr.NotFound, component, "CancelTask", "workflow not found", t.WorkflowID)
	}

	toCancel := c.transitiveDependents(ctx, wf, taskID)
	toCancel = append([]string{taskID}, toCancel...)

	for _, id := range toCancel {
		cur, ok, err := c.store.GetTask(ctx, id)
		if err != nil || !ok {
			continue
		}
		if cur.Status != domain.TaskStatusPending && cur.TaskID != taskID {
			continue // only not-yet-started dependents are swept
		}
		_ = c.Transition(ctx, id, domain.TaskStatusCancelled, reason, "coordinator", true)
		_ = c.assigner.ReleaseClaim(ctx, id, false)
	}
	return nil
}

// transitiveDependents returns every task that (transitively) depends on
// taskID within wf.
func (c *Coordinator) transitiveDependents(ctx context.Context, wf domain.Workflow, taskID string) []string {
	children := make(map[string][]string) // from -> []to
	for to, froms := range wf.Dependencies {
		for _, from := range froms {
			children[from] = append(children[from], to)
		}
	}

	visited := make(map[string]bool)
	var out []string
	var visit func(id string)
	visit = func(id string) {
		for _, child := range children[id] {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			visit(child)
		}
	}
	visit(taskID)
	sort.Strings(out)
	return out
}

func (c *Coordinator) cacheKey(t domain.Task) string {
	h := sha256.New()
	h.Write([]byte(t.Title))
	h.Write([]byte(t.Type))
	for _, p := range t.FilePaths {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ScheduleRecurring registers a cron-triggered recurring workflow
// submission, grounded on the teacher's scheduler.go cron.Cron usage.
func (c *Coordinator) ScheduleRecurring(spec string, submit func(ctx context.Context)) (cron.EntryID, error) {
	return c.cron.AddFunc(spec, func() { submit(context.Background()) })
}

func (c *Coordinator) StartScheduler() { c.cron.Start() }
func (c *Coordinator) StopScheduler()  { c.cron.Stop() }

// resultCache is an LRU+TTL cache of idempotent task results, grounded on
// dag_engine.go's ResultCache, keyed by content hash instead of task ID so
// re-execution of an equivalent task can hit the cache.
type resultCache struct {
	mu      sync.Mutex
	clock   clockid.Clock
	entries map[string]cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	result    map[string]any
	expiresAt time.Time
	lastUsed  time.Time
}

func newResultCache(clock clockid.Clock, maxSize int, ttl time.Duration) *resultCache {
	return &resultCache{clock: clock, entries: make(map[string]cacheEntry), maxSize: maxSize, ttl: ttl}
}

func (rc *resultCache) get(key string) (map[string]any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.entries[key]
	now := rc.clock.Now()
	if !ok || now.After(e.expiresAt) {
		return nil, false
	}
	e.lastUsed = now
	rc.entries[key] = e
	return e.result, true
}

func (rc *resultCache) put(key string, result map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.entries) >= rc.maxSize {
		rc.evictOldest()
	}
	now := rc.clock.Now()
	rc.entries[key] = cacheEntry{result: result, expiresAt: now.Add(rc.ttl), lastUsed: now}
}

func (rc *resultCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range rc.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(rc.entries, oldestKey)
	}
}

package transport

import (
	"context"
	"sync"

	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/domain"
)

const component = "transport"

// pendingDispatch is a task the lifecycle coordinator has assigned to an
// agent and is waiting on that agent's HTTP-reported terminal result.
type pendingDispatch struct {
	task     domain.Task
	resultCh chan dispatchResult
}

type dispatchResult struct {
	result  map[string]any
	success bool
	err     error
}

// HTTPDispatcher implements lifecycle.Dispatcher by bridging the
// coordinator's server-initiated AssignTask decision onto the agent
// protocol's pull-style claim/complete/help/block handshake (spec.md §6):
// Dispatch parks the task in the winning agent's inbox and blocks until
// that agent's /claim retrieves it and a later /complete, /help, or /block
// call resolves it, or the caller's context expires.
type HTTPDispatcher struct {
	mu     sync.Mutex
	inbox  map[string][]pendingDispatch // agentId -> tasks awaiting claim
	active map[string]pendingDispatch   // taskId -> claimed, awaiting terminal report
}

func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{
		inbox:  make(map[string][]pendingDispatch),
		active: make(map[string]pendingDispatch),
	}
}

// Dispatch satisfies lifecycle.Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, agentID string, t domain.Task) (map[string]any, bool, error) {
	pd := pendingDispatch{task: t, resultCh: make(chan dispatchResult, 1)}

	d.mu.Lock()
	d.inbox[agentID] = append(d.inbox[agentID], pd)
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		d.drop(agentID, t.TaskID)
		return nil, false, apperr.Wrap(apperr.Timeout, component, "Dispatch", ctx.Err(), t.TaskID)
	case res := <-pd.resultCh:
		return res.result, res.success, res.err
	}
}

// drop removes a task that was never claimed (or never completed) before
// its dispatch context expired, from whichever queue it is still sitting in.
func (d *HTTPDispatcher) drop(agentID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, taskID)
	queue := d.inbox[agentID]
	for i, pd := range queue {
		if pd.task.TaskID == taskID {
			d.inbox[agentID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
}

// ClaimNext pops the next (or, if taskID is non-empty, a specific) task
// waiting in agentID's inbox and moves it to active, awaiting completion.
func (d *HTTPDispatcher) ClaimNext(agentID, taskID string) (domain.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.inbox[agentID]
	idx := -1
	if taskID != "" {
		for i, pd := range queue {
			if pd.task.TaskID == taskID {
				idx = i
				break
			}
		}
	} else if len(queue) > 0 {
		idx = 0
	}
	if idx == -1 {
		return domain.Task{}, false
	}

	pd := queue[idx]
	d.inbox[agentID] = append(queue[:idx:idx], queue[idx+1:]...)
	d.active[pd.task.TaskID] = pd
	return pd.task, true
}

// Complete resolves an active dispatch with a success or failure result,
// unblocking the coordinator goroutine waiting in Dispatch.
func (d *HTTPDispatcher) Complete(taskID string, result map[string]any, success bool) bool {
	d.mu.Lock()
	pd, ok := d.active[taskID]
	if ok {
		delete(d.active, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	pd.resultCh <- dispatchResult{result: result, success: success}
	return true
}

// Block resolves an active dispatch as a reported blocker (help/block
// protocol calls), which the coordinator maps to a transition to blocked
// rather than failed.
func (d *HTTPDispatcher) Block(taskID, reason string) bool {
	d.mu.Lock()
	pd, ok := d.active[taskID]
	if ok {
		delete(d.active, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	pd.resultCh <- dispatchResult{err: apperr.New(apperr.Conflict, component, "Dispatch", reason, taskID)}
	return true
}

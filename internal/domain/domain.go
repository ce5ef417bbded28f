// Package domain defines the entity types shared across every component:
// Job, Workflow, Task, Dependency, Agent, Claim, and PollRecord, plus their
// status enums and the invariants encoded in the field comments.
package domain

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

type TransportHint string

const (
	TransportPull TransportHint = "pull"
	TransportPush TransportHint = "push"
)

// Job is one unit of externally observable work. Once Status is terminal it
// never changes; Progress is non-decreasing within a single job; Result is
// present iff Status == JobCompleted.
type Job struct {
	JobID         string         `json:"jobId"`
	ToolName      string         `json:"toolName"`
	SessionID     string         `json:"sessionId"`
	Status        JobStatus      `json:"status"`
	Progress      int            `json:"progress"`
	Message       string         `json:"message"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Result        map[string]any `json:"result,omitempty"`
	TransportHint TransportHint  `json:"transportHint"`
}

type WorkflowPhase string

const (
	PhaseDecomposition WorkflowPhase = "decomposition"
	PhaseOrchestration WorkflowPhase = "orchestration"
	PhaseExecution     WorkflowPhase = "execution"
	PhaseMonitoring    WorkflowPhase = "monitoring"
	PhaseCleanup       WorkflowPhase = "cleanup"
)

type WorkflowStatus string

const (
	WorkflowInitializing WorkflowStatus = "initializing"
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowPaused       WorkflowStatus = "paused"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowFailed       WorkflowStatus = "failed"
	WorkflowCancelled    WorkflowStatus = "cancelled"
)

// Workflow is a correlated set of tasks, one per user request. Every TaskID
// referenced in Dependencies must also appear in Tasks.
type Workflow struct {
	WorkflowID   string              `json:"workflowId"`
	SessionID    string              `json:"sessionId"`
	Phase        WorkflowPhase       `json:"phase"`
	Status       WorkflowStatus      `json:"status"`
	StartTime    time.Time           `json:"startTime"`
	EndTime      *time.Time          `json:"endTime,omitempty"`
	Tasks        []string            `json:"tasks"`
	Dependencies map[string][]string `json:"dependencies"`
	History      []TransitionRecord  `json:"history,omitempty"`
}

// TransitionRecord is an entry in a workflow or task's append-only history.
type TransitionRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggeredBy"`
	IsAutomated bool      `json:"isAutomated"`
}

type TaskType string

const (
	TaskResearch      TaskType = "research"
	TaskDevelopment   TaskType = "development"
	TaskTesting       TaskType = "testing"
	TaskReview        TaskType = "review"
	TaskDeployment    TaskType = "deployment"
	TaskDocumentation TaskType = "documentation"
)

// TypeOrder gives the research < development < testing < review <
// deployment < documentation ordering used by the dependency validator's
// type-crossing warning.
var TypeOrder = map[TaskType]int{
	TaskResearch:      0,
	TaskDevelopment:   1,
	TaskTesting:       2,
	TaskReview:        3,
	TaskDeployment:    4,
	TaskDocumentation: 5,
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityRank gives a descending-sorts-first numeric rank, used by the
// scheduler's deterministic tie-break and the validator's priority-gap
// suggestion.
var PriorityRank = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityMedium:   1,
	PriorityLow:      0,
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// LegalTransitions is the authoritative task state machine table (§4.F).
var LegalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusInProgress, TaskStatusCancelled, TaskStatusBlocked},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled},
	TaskStatusBlocked:    {TaskStatusInProgress, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusCompleted:  {TaskStatusCancelled},
	TaskStatusFailed:     {TaskStatusPending, TaskStatusCancelled},
	TaskStatusCancelled:  {TaskStatusPending},
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsLegalTransition reports whether to is a permitted successor of from.
func IsLegalTransition(from, to TaskStatus) bool {
	for _, allowed := range LegalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is the scheduling unit. A task never observes Status == completed
// with any dependency not completed.
type Task struct {
	TaskID               string             `json:"taskId"`
	WorkflowID           string             `json:"workflowId"`
	ProjectID            string             `json:"projectId"`
	EpicID               string             `json:"epicId,omitempty"`
	Title                string             `json:"title"`
	Type                 TaskType           `json:"type"`
	Priority             Priority           `json:"priority"`
	Status               TaskStatus         `json:"status"`
	EstimatedHours       float64            `json:"estimatedHours"`
	FilePaths            []string           `json:"filePaths"`
	RequiredCapabilities []string           `json:"requiredCapabilities"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
	History              []TransitionRecord `json:"history,omitempty"`
}

type DependencyType string

const (
	DependencyRequires DependencyType = "requires"
	DependencySuggests DependencyType = "suggests"
)

// Dependency is a directed edge From -> To meaning From blocks To.
type Dependency struct {
	DependencyID string         `json:"dependencyId"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Type         DependencyType `json:"type"`
}

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

type AgentActivity string

const (
	ActivityIdle               AgentActivity = "idle"
	ActivityDecomposition      AgentActivity = "decomposition"
	ActivityOrchestration      AgentActivity = "orchestration"
	ActivityTaskExecution      AgentActivity = "task_execution"
	ActivityResearch           AgentActivity = "research"
	ActivityContextEnrichment  AgentActivity = "context_enrichment"
	ActivityDependencyAnalysis AgentActivity = "dependency_analysis"
)

// ActivityMultipliers scale the base heartbeat interval into an effective
// per-activity timeout (§4.E).
var ActivityMultipliers = map[AgentActivity]int{
	ActivityIdle:               2,
	ActivityTaskExecution:      6,
	ActivityContextEnrichment:  8,
	ActivityOrchestration:      10,
	ActivityDependencyAnalysis: 12,
	ActivityResearch:           15,
	ActivityDecomposition:      20,
}

// IsWorkflowCritical reports whether a is one of the activities that
// receives the fixed workflowCriticalExtension.
func (a AgentActivity) IsWorkflowCritical() bool {
	return a == ActivityDecomposition || a == ActivityOrchestration
}

// Agent is a worker. |CurrentTasks| <= MaxConcurrentTasks; Status == busy
// iff len(CurrentTasks) > 0.
type Agent struct {
	AgentID            string        `json:"agentId"`
	Name               string        `json:"name"`
	Capabilities       []string      `json:"capabilities"`
	MaxConcurrentTasks int           `json:"maxConcurrentTasks"`
	CurrentTasks       []string      `json:"currentTasks"`
	Status             AgentStatus   `json:"status"`
	LastHeartbeat      time.Time     `json:"lastHeartbeat"`
	CurrentActivity    AgentActivity `json:"currentActivity"`
	ProgressPercentage int           `json:"progressPercentage"`
	ActivityStartTime  time.Time     `json:"activityStartTime"`
	IsWorkflowCritical bool          `json:"isWorkflowCritical"`
	GracePeriodCount   int           `json:"gracePeriodCount"`
	ExpectedDuration   time.Duration `json:"expectedDuration,omitempty"`

	TasksCompleted int `json:"tasksCompleted"`
	TasksFailed    int `json:"tasksFailed"`
}

// SuccessRate returns the agent's historical success fraction, used as a
// scoring term by the task-assignment algorithm. An agent with no completed
// history defaults to 1.0 (optimistic) so new agents are not penalized.
func (a Agent) SuccessRate() float64 {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(a.TasksCompleted) / float64(total)
}

// Claim is an agent's hold on a task. At most one unexpired claim per task.
type Claim struct {
	TaskID    string    `json:"taskId"`
	AgentID   string    `json:"agentId"`
	ClaimedAt time.Time `json:"claimedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (c Claim) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// PollRecord is per-(session, job) throttling state for the pull-transport
// poll controller.
type PollRecord struct {
	SessionID            string    `json:"sessionId"`
	JobID                string    `json:"jobId"`
	LastPollAt           time.Time `json:"lastPollAt"`
	ConsecutiveFastPolls int       `json:"consecutiveFastPolls"`
	NextAllowedAt        time.Time `json:"nextAllowedAt"`
	RateLimitViolations  int       `json:"rateLimitViolations"`
	LastProgress         int       `json:"lastProgress"`
}

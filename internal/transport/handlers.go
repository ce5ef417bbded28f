package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskorch/internal/agents"
	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/depgraph"
	"github.com/swarmguard/taskorch/internal/domain"
	"github.com/swarmguard/taskorch/internal/jobs"
	"github.com/swarmguard/taskorch/internal/lifecycle"
	"github.com/swarmguard/taskorch/internal/resilience"
	"github.com/swarmguard/taskorch/internal/store"
)

const serviceName = "taskorch"

// Server wires the HTTP surface (spec.md §6) onto the job/poll controller,
// agent orchestrator, lifecycle coordinator, and the broadcast hub. Grounded
// on the teacher's flat-ServeMux main.go and gateway_v2.go's middleware
// chaining.
type Server struct {
	jobs   *jobs.Controller
	agents *agents.Registry
	life   *lifecycle.Coordinator
	ids    *clockid.IDGenerator
	store  *store.Store
	hub    *Hub
	disp   *HTTPDispatcher

	reqCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram

	limiterMu sync.Mutex
	limiters  map[string]*resilience.RateLimiter // per-agentId protocol calls
}

func NewServer(j *jobs.Controller, a *agents.Registry, l *lifecycle.Coordinator, ids *clockid.IDGenerator, st *store.Store, hub *Hub, disp *HTTPDispatcher, meter metric.Meter) *Server {
	reqCounter, _ := meter.Int64Counter("taskorch_http_requests_total")
	latencyHist, _ := meter.Float64Histogram("taskorch_http_latency_ms")
	return &Server{
		jobs: j, agents: a, life: l, ids: ids, store: st, hub: hub, disp: disp,
		reqCounter: reqCounter, latencyHist: latencyHist,
		limiters: make(map[string]*resilience.RateLimiter),
	}
}

// limiterFor returns agentID's token-bucket limiter for the agent protocol
// endpoints (heartbeat/claim/complete/help/block), lazily created on first
// use: 20 requests/sec sustained, bursts up to 40, hard-capped at 100 per
// fixed 10s window so one runaway agent can't starve the others.
func (s *Server) limiterFor(agentID string) *resilience.RateLimiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	rl, ok := s.limiters[agentID]
	if !ok {
		rl = resilience.NewRateLimiter(40, 20, 10*time.Second, 100)
		s.limiters[agentID] = rl
	}
	return rl
}

// Handler returns the fully composed mux, logging/tracing middleware applied
// to every route the way gateway_v2.go's loggingMiddleware wraps its mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/tasks", s.handleSubmitWorkflow)
	mux.HandleFunc("/v1/jobs/", s.handleJobs)
	mux.HandleFunc("/v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("/v1/agents/", s.handleAgentProtocol)
	mux.HandleFunc("/v1/workflows/", s.handleWorkflowCancel)
	mux.HandleFunc("/v1/tasks/", s.handleTaskCancel)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return s.loggingMiddleware(mux)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.Tracer(serviceName).Start(r.Context(), r.URL.Path)
		defer span.End()

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		duration := float64(time.Since(start).Milliseconds())
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		s.latencyHist.Record(ctx, duration, metric.WithAttributes(attribute.String("path", r.URL.Path)))
		slog.InfoContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration_ms", duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeErr maps an apperr.Kind to its HTTP status and writes the structured
// error envelope (spec.md §7).
func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation, apperr.DependencyCycle:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.PermissionDenied:
		status = http.StatusForbidden
	case apperr.Conflict, apperr.InvalidTransition:
		status = http.StatusConflict
	case apperr.Timeout:
		status = http.StatusGatewayTimeout
	case apperr.RateLimited:
		status = http.StatusTooManyRequests
	case apperr.ResourceExhausted:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"kind": string(kind), "message": err.Error()}
	var ae *apperr.Error
	if apperr.As(err, &ae) {
		body["message"] = ae.Message
		body["component"] = ae.Ctx.Component
		body["operation"] = ae.Ctx.Operation
		if len(ae.Ctx.EntityIDs) > 0 {
			body["entityIds"] = ae.Ctx.EntityIDs
		}
		if ae.Ctx.Metadata != nil {
			body["metadata"] = ae.Ctx.Metadata
		}
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func sessionOf(r *http.Request) string {
	if s := r.Header.Get("X-Session-Id"); s != "" {
		return s
	}
	return r.URL.Query().Get("sessionId")
}

func readBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.Validation, component, "readBody", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Wrap(apperr.Validation, component, "readBody", err)
	}
	return nil
}

// --- POST /v1/tasks ---

type taskSubmission struct {
	ClientID             string   `json:"id"`
	Title                string   `json:"title"`
	Type                 string   `json:"type"`
	Priority             string   `json:"priority"`
	EstimatedHours       float64  `json:"estimatedHours"`
	FilePaths            []string `json:"filePaths"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
	ProjectID            string   `json:"projectId"`
	EpicID               string   `json:"epicId"`
}

type dependencySubmission struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

type submitWorkflowRequest struct {
	SessionID    string                 `json:"sessionId"`
	Transport    string                 `json:"transport"`
	ToolName     string                 `json:"toolName"`
	Tasks        []taskSubmission       `json:"tasks"`
	Dependencies []dependencySubmission `json:"dependencies"`
}

func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req submitWorkflowRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = sessionOf(r)
	}
	if sessionID == "" || len(req.Tasks) == 0 {
		writeErr(w, apperr.New(apperr.Validation, component, "handleSubmitWorkflow", "sessionId and tasks are required"))
		return
	}

	transport := domain.TransportPull
	if req.Transport == string(domain.TransportPush) {
		transport = domain.TransportPush
	}

	job, interval, err := s.jobs.StartJob(r.Context(), sessionID, transport, req.ToolName)
	if err != nil {
		writeErr(w, err)
		return
	}

	clientToTaskID := make(map[string]string, len(req.Tasks))
	tasks := make([]domain.Task, 0, len(req.Tasks))
	for _, ts := range req.Tasks {
		taskID, err := s.ids.NextTaskID()
		if err != nil {
			writeErr(w, err)
			return
		}
		if ts.ClientID != "" {
			clientToTaskID[ts.ClientID] = taskID
		}
		tasks = append(tasks, domain.Task{
			TaskID:               taskID,
			ProjectID:            ts.ProjectID,
			EpicID:               ts.EpicID,
			Title:                ts.Title,
			Type:                 domain.TaskType(ts.Type),
			Priority:             domain.Priority(ts.Priority),
			EstimatedHours:       ts.EstimatedHours,
			FilePaths:            ts.FilePaths,
			RequiredCapabilities: ts.RequiredCapabilities,
		})
	}

	deps := make([]domain.Dependency, 0, len(req.Dependencies))
	for _, ds := range req.Dependencies {
		from := resolveRef(clientToTaskID, ds.From)
		to := resolveRef(clientToTaskID, ds.To)
		depID, err := s.ids.NextDependencyID(from, to)
		if err != nil {
			writeErr(w, err)
			return
		}
		depType := domain.DependencyRequires
		if ds.Type == string(domain.DependencySuggests) {
			depType = domain.DependencySuggests
		}
		deps = append(deps, domain.Dependency{DependencyID: depID, From: from, To: to, Type: depType})
	}

	wf, report, err := s.life.CreateWorkflow(r.Context(), sessionID, tasks, deps)
	if err != nil {
		writeErr(w, err)
		return
	}
	_, _ = s.jobs.UpdateJob(r.Context(), job.JobID, jobs.JobPatch{Result: map[string]any{"workflowId": wf.WorkflowID}})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":        job.JobID,
		"workflowId":   wf.WorkflowID,
		"message":      "workflow accepted",
		"pollInterval": interval.Milliseconds(),
		"validation":   summarizeReport(report),
	})
}

func resolveRef(m map[string]string, ref string) string {
	if id, ok := m[ref]; ok {
		return id
	}
	return ref
}

func summarizeReport(r depgraph.Report) map[string]any {
	return map[string]any{
		"warnings":       r.Warnings,
		"suggestions":    r.Suggestions,
		"executionOrder": r.ExecutionOrder,
	}
}

// --- GET /v1/jobs/{jobId} and GET /v1/jobs/{jobId}/events ---

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	jobID, sub, _ := strings.Cut(rest, "/")
	if jobID == "" {
		writeErr(w, apperr.New(apperr.Validation, component, "handleJobs", "jobId required"))
		return
	}
	if sub == "events" {
		s.handleJobEvents(w, r, jobID)
		return
	}
	s.handleJobPoll(w, r, jobID)
}

func (s *Server) handleJobPoll(w http.ResponseWriter, r *http.Request, jobID string) {
	sessionID := sessionOf(r)
	job, interval, rl, err := s.jobs.GetJobResult(r.Context(), sessionID, jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]any{
		"job":          job,
		"pollInterval": interval.Milliseconds(),
	}
	if rl != nil {
		resp["rateLimit"] = map[string]any{
			"waitTime":      rl.WaitTime.Milliseconds(),
			"nextAllowedAt": rl.NextAllowedAt.UnixMilli(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	sessionID := sessionOf(r)
	if sessionID == "" {
		writeErr(w, apperr.New(apperr.Validation, component, "handleJobEvents", "sessionId required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, apperr.New(apperr.Internal, component, "handleJobEvents", "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.hub.Subscribe(sessionID)
	defer unsubscribe()

	ctx := r.Context()
	for {
		err := drainBatch(ctx, defaultDrainConfig(), ch, func(v any) error {
			data, merr := json.Marshal(v)
			if merr != nil {
				return merr
			}
			_, werr := w.Write([]byte("event: jobProgress\ndata: " + string(data) + "\n\n"))
			return werr
		})
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

// --- POST /v1/agents and agent protocol ---

type registerAgentRequest struct {
	AgentID            string   `json:"agentId"`
	Name               string   `json:"name"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"maxConcurrentTasks"`
	ExpectedDuration   int64    `json:"expectedDurationMs"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req registerAgentRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.AgentID == "" {
		writeErr(w, apperr.New(apperr.Validation, component, "handleRegisterAgent", "agentId required"))
		return
	}
	a := domain.Agent{
		AgentID:            req.AgentID,
		Name:               req.Name,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		ExpectedDuration:   time.Duration(req.ExpectedDuration) * time.Millisecond,
	}
	registered, err := s.agents.RegisterAgent(r.Context(), a)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// handleAgentProtocol dispatches POST /v1/agents/{agentId}/{action}.
func (s *Server) handleAgentProtocol(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	agentID, action, _ := strings.Cut(rest, "/")
	if agentID == "" || action == "" {
		writeErr(w, apperr.New(apperr.Validation, component, "handleAgentProtocol", "agentId and action required"))
		return
	}
	if !s.limiterFor(agentID).Allow() {
		writeErr(w, apperr.New(apperr.RateLimited, component, "handleAgentProtocol", "agent protocol rate limit exceeded", agentID))
		return
	}

	switch action {
	case "heartbeat":
		s.handleHeartbeat(w, r, agentID)
	case "claim":
		s.handleClaim(w, r, agentID)
	case "complete":
		s.handleComplete(w, r, agentID)
	case "help":
		s.handleHelp(w, r, agentID)
	case "block":
		s.handleBlock(w, r, agentID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent action"})
	}
}

type heartbeatRequest struct {
	Status   string `json:"status"`
	Activity string `json:"activity"`
	Progress *int   `json:"progress"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	var req heartbeatRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	var activity *domain.AgentActivity
	if req.Activity != "" {
		a := domain.AgentActivity(req.Activity)
		activity = &a
	}
	if err := s.agents.Heartbeat(r.Context(), agentID, domain.AgentStatus(req.Status), activity, req.Progress); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, agentID string) {
	var req claimRequest
	_ = readBody(r, &req)
	task, ok := s.disp.ClaimNext(agentID, req.TaskID)
	if !ok {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeRequest struct {
	TaskID        string         `json:"taskId"`
	Result        map[string]any `json:"result"`
	FilesModified []string       `json:"filesModified"`
	TestsPassed   *bool          `json:"testsPassed"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, agentID string) {
	var req completeRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.TaskID == "" {
		writeErr(w, apperr.New(apperr.Validation, component, "handleComplete", "taskId required"))
		return
	}
	result := req.Result
	if result == nil {
		result = map[string]any{}
	}
	if req.FilesModified != nil {
		result["filesModified"] = req.FilesModified
	}
	success := req.TestsPassed == nil || *req.TestsPassed
	if !s.disp.Complete(req.TaskID, result, success) {
		writeErr(w, apperr.New(apperr.NotFound, component, "handleComplete", "no pending dispatch for task", req.TaskID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type helpRequest struct {
	TaskID string `json:"taskId"`
	Issue  string `json:"issue"`
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request, agentID string) {
	var req helpRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if !s.disp.Block(req.TaskID, "help requested: "+req.Issue) {
		writeErr(w, apperr.New(apperr.NotFound, component, "handleHelp", "no pending dispatch for task", req.TaskID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type blockRequest struct {
	TaskID              string `json:"taskId"`
	Type                string `json:"type"`
	Description         string `json:"description"`
	SuggestedResolution string `json:"suggestedResolution"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, agentID string) {
	var req blockRequest
	if err := readBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	reason := req.Type + ": " + req.Description
	if req.SuggestedResolution != "" {
		reason += " (suggested: " + req.SuggestedResolution + ")"
	}
	if !s.disp.Block(req.TaskID, reason) {
		writeErr(w, apperr.New(apperr.NotFound, component, "handleBlock", "no pending dispatch for task", req.TaskID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- cancellation ---

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleWorkflowCancel(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	workflowID, action, _ := strings.Cut(rest, "/")
	if action != "cancel" || r.Method != http.MethodPost {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	var req cancelRequest
	_ = readBody(r, &req)
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.life.CancelWorkflow(ctx, workflowID, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	taskID, action, _ := strings.Cut(rest, "/")
	if action != "cancel" || r.Method != http.MethodPost {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	var req cancelRequest
	_ = readBody(r, &req)
	if err := s.life.CancelTask(r.Context(), taskID, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- ambient ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

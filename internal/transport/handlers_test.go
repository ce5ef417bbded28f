package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskorch/internal/agents"
	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/jobs"
	"github.com/swarmguard/taskorch/internal/lifecycle"
	"github.com/swarmguard/taskorch/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	meter := noopmetric.MeterProvider{}.Meter("test")
	st, err := store.Open(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ids, err := clockid.NewIDGenerator(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewIDGenerator: %v", err)
	}
	clock := clockid.NewSystemClock()
	hub := NewHub()
	disp := NewHTTPDispatcher()

	jobsCtrl := jobs.New(jobs.DefaultConfig(), clock, st, ids, hub)
	agentReg := agents.New(agents.DefaultConfig(), clock, st, hub)
	life := lifecycle.New(lifecycle.DefaultConfig(), clock, st, ids, agentReg, disp, hub)

	return NewServer(jobsCtrl, agentReg, life, ids, st, hub, disp, meter)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleSubmitWorkflowAccepted(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/tasks", map[string]any{
		"sessionId": "sess-1",
		"tasks":     []map[string]any{{"id": "a", "title": "build", "type": "development"}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["workflowId"] == "" || resp["workflowId"] == nil {
		t.Fatalf("expected a workflowId in the response, got %v", resp)
	}
}

func TestHandleSubmitWorkflowRejectsMissingSession(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/tasks", map[string]any{
		"tasks": []map[string]any{{"id": "a", "title": "build"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing sessionId, got %d", rec.Code)
	}
}

func TestHandleRegisterAgentRequiresAgentID(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{"name": "worker-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing agentId, got %d", rec.Code)
	}
}

func TestHandleRegisterAgentSucceeds(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{
		"agentId": "A1", "name": "worker-1", "maxConcurrentTasks": 2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 Created, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAgentProtocolUnknownAction(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/agents/A1/nonsense", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown agent action, got %d", rec.Code)
	}
}

func TestHandleAgentProtocolRateLimitsAFloodingAgent(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/v1/agents", map[string]any{"agentId": "A1"})

	sawRateLimited := false
	for i := 0; i < 150; i++ {
		rec := doRequest(t, s, http.MethodPost, "/v1/agents/A1/heartbeat", map[string]any{"status": "available"})
		if rec.Code == http.StatusTooManyRequests {
			sawRateLimited = true
			break
		}
	}
	if !sawRateLimited {
		t.Fatalf("expected a flood of protocol calls from one agent to eventually be rate limited")
	}
}

func TestHandleJobsMissingJobID(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/jobs/", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing jobId, got %d", rec.Code)
	}
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rec.Code)
	}
}

func TestWriteErrMapsNotFoundToHTTP404(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, apperr.New(apperr.NotFound, "test", "op", "missing"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected apperr.NotFound to map to 404, got %d", rec.Code)
	}
}

func TestWriteErrMapsRateLimitedToHTTP429(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, apperr.New(apperr.RateLimited, "test", "op", "slow down"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected apperr.RateLimited to map to 429, got %d", rec.Code)
	}
}

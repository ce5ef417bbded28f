// Package jobs implements the job/poll controller (§4.D): job allocation,
// transport-adaptive poll intervals, and per-(session,job) rate limiting
// with exponential backoff.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/domain"
	"github.com/swarmguard/taskorch/internal/store"
)

const component = "jobs"

// Config holds the tunable defaults the Controller reads for polling and
// rate limiting. Values come from internal/config at startup.
type Config struct {
	BaseInterval time.Duration // default 1s
	MaxInterval  time.Duration // default 30s
	MinInterval  time.Duration // floor on shrink-toward-base, default 200ms
	MinPollGap   time.Duration // rate-limit window, default 250ms
	MaxDelay     time.Duration // rate-limit backoff ceiling, default 30s
	MaxViolation int           // bound on rate-limit violation counter growth
}

func DefaultConfig() Config {
	return Config{
		BaseInterval: time.Second,
		MaxInterval:  30 * time.Second,
		MinInterval:  200 * time.Millisecond,
		MinPollGap:   250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxViolation: 20,
	}
}

// Emitter publishes job lifecycle events to the transport adapter.
type Emitter interface {
	Emit(sessionID string, event any)
}

// Controller is the job/poll controller. It owns Job and PollRecord
// mutation; the reader-writer lock here guards the in-memory PollRecord
// hot path, while job records themselves are read through an immutable
// snapshot fetched from the store.
type Controller struct {
	cfg   Config
	clock clockid.Clock
	store *store.Store
	ids   *clockid.IDGenerator
	emit  Emitter

	mu   sync.RWMutex
	poll map[string]*domain.PollRecord // key: sessionId:jobId
}

func New(cfg Config, clock clockid.Clock, st *store.Store, ids *clockid.IDGenerator, emit Emitter) *Controller {
	return &Controller{
		cfg:   cfg,
		clock: clock,
		store: st,
		ids:   ids,
		emit:  emit,
		poll:  make(map[string]*domain.PollRecord),
	}
}

// StartJob allocates a job record, status PENDING, and returns its ID plus
// the first poll interval: 0 for push transport, else the base interval.
func (c *Controller) StartJob(ctx context.Context, sessionID string, transport domain.TransportHint, toolName string) (domain.Job, time.Duration, error) {
	jobID, err := c.ids.NextJobID()
	if err != nil {
		return domain.Job{}, 0, err
	}
	now := c.clock.Now()
	job := domain.Job{
		JobID:         jobID,
		ToolName:      toolName,
		SessionID:     sessionID,
		Status:        domain.JobPending,
		Progress:      0,
		CreatedAt:     now,
		UpdatedAt:     now,
		TransportHint: transport,
	}
	if err := c.store.PutJob(ctx, job); err != nil {
		return domain.Job{}, 0, err
	}

	interval := c.cfg.BaseInterval
	if transport == domain.TransportPush {
		interval = 0
	}
	return job, interval, nil
}

// JobPatch describes a partial update to a job record.
type JobPatch struct {
	Status   *domain.JobStatus
	Progress *int
	Message  *string
	Result   map[string]any
}

// UpdateJob applies patch, rejecting monotonicity violations, and emits a
// jobProgress event through the configured Emitter.
func (c *Controller) UpdateJob(ctx context.Context, jobID string, patch JobPatch) (domain.Job, error) {
	job, ok, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, apperr.New(apperr.NotFound, component, "UpdateJob", "job not found", jobID)
	}
	if job.Status.Terminal() {
		return domain.Job{}, apperr.New(apperr.Conflict, component, "UpdateJob", "job already in terminal state", jobID).
			WithMetadata("status", string(job.Status))
	}

	if patch.Progress != nil {
		if *patch.Progress < job.Progress {
			return domain.Job{}, apperr.New(apperr.Conflict, component, "UpdateJob", "progress may not decrease", jobID).
				WithMetadata("current", job.Progress, "attempted", *patch.Progress)
		}
		job.Progress = *patch.Progress
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
	job.UpdatedAt = c.clock.Now()

	if err := c.store.PutJob(ctx, job); err != nil {
		return domain.Job{}, err
	}

	if c.emit != nil {
		c.emit.Emit(job.SessionID, ProgressEvent{
			JobID:     job.JobID,
			ToolName:  job.ToolName,
			Status:    job.Status,
			Timestamp: job.UpdatedAt,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
			Progress:  job.Progress,
			Message:   job.Message,
			Result:    job.Result,
		})
	}
	return job, nil
}

// ProgressEvent is the jobProgress push payload (§6).
type ProgressEvent struct {
	JobID     string           `json:"jobId"`
	ToolName  string           `json:"toolName"`
	Status    domain.JobStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message,omitempty"`
	Result    map[string]any   `json:"result,omitempty"`
}

// RateLimit describes a rejected poll's backoff instruction.
type RateLimit struct {
	WaitTime      time.Duration `json:"waitTime"`
	NextAllowedAt time.Time     `json:"nextAllowedAt"`
}

// GetJobResult returns the current job record, the interval the caller
// should wait before polling again, and an optional RateLimit if this poll
// arrived too soon.
func (c *Controller) GetJobResult(ctx context.Context, sessionID, jobID string) (domain.Job, time.Duration, *RateLimit, error) {
	job, ok, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, 0, nil, err
	}
	if !ok {
		return domain.Job{}, 0, nil, apperr.New(apperr.NotFound, component, "GetJobResult", "job not found", jobID)
	}
	if job.SessionID != sessionID {
		return domain.Job{}, 0, nil, apperr.New(apperr.PermissionDenied, component, "GetJobResult", "session does not own job", jobID)
	}

	if job.TransportHint == domain.TransportPush {
		return job, 0, nil, nil
	}

	now := c.clock.Now()
	key := sessionID + ":" + jobID

	c.mu.Lock()
	rec, exists := c.poll[key]
	if !exists {
		// LastPollAt stays zero so the very first poll for a job is never
		// mistaken for two polls arriving back to back.
		rec = &domain.PollRecord{SessionID: sessionID, JobID: jobID, LastProgress: job.Progress}
		c.poll[key] = rec
	}

	if !rec.LastPollAt.IsZero() && now.Sub(rec.LastPollAt) < c.cfg.MinPollGap && !job.Status.Terminal() {
		rec.RateLimitViolations++
		if rec.RateLimitViolations > c.cfg.MaxViolation {
			rec.RateLimitViolations = c.cfg.MaxViolation
		}
		wait := c.cfg.BaseInterval << uint(rec.RateLimitViolations-1)
		if wait > c.cfg.MaxDelay {
			wait = c.cfg.MaxDelay
		}
		rec.NextAllowedAt = now.Add(wait)
		c.mu.Unlock()
		_ = c.store.PutPollRecord(ctx, *rec)
		return job, 0, &RateLimit{WaitTime: wait, NextAllowedAt: rec.NextAllowedAt}, nil
	}

	rec.RateLimitViolations = 0
	interval := c.adaptiveInterval(job, rec, now)
	rec.LastPollAt = now
	rec.LastProgress = job.Progress
	if !job.Status.Terminal() {
		if interval == c.cfg.BaseInterval<<1 || now.Sub(job.UpdatedAt) < 500*time.Millisecond {
			rec.ConsecutiveFastPolls++
		} else {
			rec.ConsecutiveFastPolls = 0
		}
	}
	recCopy := *rec
	c.mu.Unlock()

	_ = c.store.PutPollRecord(ctx, recCopy)
	return job, interval, nil, nil
}

// adaptiveInterval implements spec.md §4.D's pull-transport poll interval
// computation.
func (c *Controller) adaptiveInterval(job domain.Job, rec *domain.PollRecord, now time.Time) time.Duration {
	if job.Status.Terminal() {
		return 0
	}

	delta := now.Sub(job.UpdatedAt)
	if delta < 500*time.Millisecond {
		interval := c.cfg.BaseInterval << uint(rec.ConsecutiveFastPolls)
		if interval > c.cfg.MaxInterval {
			interval = c.cfg.MaxInterval
		}
		return interval
	}

	if job.Progress > rec.LastProgress {
		shrunk := c.cfg.BaseInterval / 2
		if shrunk < c.cfg.MinInterval {
			shrunk = c.cfg.MinInterval
		}
		return shrunk
	}

	return c.cfg.BaseInterval
}

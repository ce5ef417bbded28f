// Package store provides the durable, bbolt-backed state store for jobs,
// workflows, tasks, agents, and poll records. The ID-counter document is not
// kept here; internal/clockid writes it itself.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/domain"
)

const component = "store"

var (
	bucketJobs        = []byte("jobs")
	bucketWorkflows   = []byte("workflows")
	bucketTasks       = []byte("tasks")
	bucketAgents      = []byte("agents")
	bucketPollRecords = []byte("poll_records")
	bucketVersions    = []byte("versions")
	bucketIndexes     = []byte("indexes")

	allBuckets = [][]byte{
		bucketJobs, bucketWorkflows, bucketTasks, bucketAgents,
		bucketPollRecords, bucketVersions, bucketIndexes,
	}
)

// Store is the durable backing store for all orchestrator entities. It
// keeps an in-memory read cache per entity kind, warmed on open and kept
// current on every write, mirroring the teacher's WorkflowStore.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	jobs      map[string]domain.Job
	workflows map[string]domain.Workflow
	tasks     map[string]domain.Task
	agents    map[string]domain.Agent

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) the bbolt database at <dbPath>/store.db,
// ensures every bucket exists, and warms the in-memory caches.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath+"/store.db", 0o600, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, component, "Open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Internal, component, "Open", err)
	}

	readLatency, _ := meter.Float64Histogram("taskorch_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskorch_store_write_ms")
	cacheHits, _ := meter.Int64Counter("taskorch_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskorch_store_cache_misses_total")

	s := &Store{
		db:           db,
		jobs:         make(map[string]domain.Job),
		workflows:    make(map[string]domain.Workflow),
		tasks:        make(map[string]domain.Task),
		agents:       make(map[string]domain.Agent),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Internal, component, "Open", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j domain.Job
			if err := json.Unmarshal(v, &j); err == nil {
				s.jobs[j.JobID] = j
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var w domain.Workflow
			if err := json.Unmarshal(v, &w); err == nil {
				s.workflows[w.WorkflowID] = w
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t domain.Task
			if err := json.Unmarshal(v, &t); err == nil {
				s.tasks[t.TaskID] = t
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a domain.Agent
			if err := json.Unmarshal(v, &a); err == nil {
				s.agents[a.AgentID] = a
			}
			return nil
		})
	})
}

func recordLatency(ctx context.Context, h metric.Float64Histogram, op string, start time.Time) {
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// archiveBefore writes the existing value under key (if any) into the
// versions bucket keyed by <prefix>:<key>:<unixnano> before it is
// overwritten, generalizing PutWorkflow's version-on-write idiom to every
// transition on every entity kind.
func archiveBefore(tx *bbolt.Tx, bucket *bbolt.Bucket, prefix, key string) error {
	existing := bucket.Get([]byte(key))
	if existing == nil {
		return nil
	}
	versions := tx.Bucket(bucketVersions)
	versionKey := fmt.Sprintf("%s:%s:%d", prefix, key, time.Now().UnixNano())
	return versions.Put([]byte(versionKey), existing)
}

// PutJob stores j, archiving any prior revision first.
func (s *Store) PutJob(ctx context.Context, j domain.Job) error {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, "put_job", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(j)
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutJob", err, j.JobID)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		if err := archiveBefore(tx, bucket, "job", j.JobID); err != nil {
			return err
		}
		return bucket.Put([]byte(j.JobID), data)
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutJob", err, j.JobID)
	}
	s.jobs[j.JobID] = j
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	start := time.Now()
	defer recordLatency(ctx, s.readLatency, "get_job", start)

	s.mu.RLock()
	if j, ok := s.jobs[jobID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "job")))
		return j, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "job")))

	var j domain.Job
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &j)
	})
	if err != nil {
		return domain.Job{}, false, apperr.Wrap(apperr.Internal, component, "GetJob", err, jobID)
	}
	if found {
		s.mu.Lock()
		s.jobs[jobID] = j
		s.mu.Unlock()
	}
	return j, found, nil
}

func (s *Store) ListJobsBySession(ctx context.Context, sessionID string) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0)
	for _, j := range s.jobs {
		if j.SessionID == sessionID {
			out = append(out, j)
		}
	}
	return out, nil
}

// PutWorkflow stores wf, archiving any prior revision first.
func (s *Store) PutWorkflow(ctx context.Context, wf domain.Workflow) error {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, "put_workflow", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(wf)
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutWorkflow", err, wf.WorkflowID)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		if err := archiveBefore(tx, bucket, "workflow", wf.WorkflowID); err != nil {
			return err
		}
		return bucket.Put([]byte(wf.WorkflowID), data)
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutWorkflow", err, wf.WorkflowID)
	}
	s.workflows[wf.WorkflowID] = wf
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (domain.Workflow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	return wf, ok, nil
}

// ListWorkflows returns every workflow currently known, for startup
// recovery scans.
func (s *Store) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	return out, nil
}

// GetWorkflowVersions retrieves the version history of a workflow, newest
// last, bounded by limit.
func (s *Store) GetWorkflowVersions(ctx context.Context, workflowID string, limit int) ([]domain.Workflow, error) {
	versions := make([]domain.Workflow, 0, limit)
	prefix := []byte("workflow:" + workflowID + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketVersions).Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var wf domain.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				continue
			}
			versions = append(versions, wf)
			count++
		}
		return nil
	})
	return versions, err
}

// PutTask stores t, archiving any prior revision first.
func (s *Store) PutTask(ctx context.Context, t domain.Task) error {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, "put_task", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(t)
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutTask", err, t.TaskID)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if err := archiveBefore(tx, bucket, "task", t.TaskID); err != nil {
			return err
		}
		if err := bucket.Put([]byte(t.TaskID), data); err != nil {
			return err
		}
		indexBucket := tx.Bucket(bucketIndexes)
		indexKey := fmt.Sprintf("workflow:%s:%s", t.WorkflowID, t.TaskID)
		return indexBucket.Put([]byte(indexKey), []byte(t.TaskID))
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutTask", err, t.TaskID)
	}
	s.tasks[t.TaskID] = t
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t, ok, nil
}

// ListTasksByWorkflow returns all tasks belonging to workflowID by scanning
// the in-memory task cache; the order of the result is not defined.
func (s *Store) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0)
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out, nil
}

// PutAgent stores a, overwriting without archival (agent state changes too
// frequently — heartbeats — for per-write versioning to be useful).
func (s *Store) PutAgent(ctx context.Context, a domain.Agent) error {
	start := time.Now()
	defer recordLatency(ctx, s.writeLatency, "put_agent", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(a)
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutAgent", err, a.AgentID)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(a.AgentID), data)
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutAgent", err, a.AgentID)
	}
	s.agents[a.AgentID] = a
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	return a, ok, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(agentID))
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "DeleteAgent", err, agentID)
	}
	delete(s.agents, agentID)
	return nil
}

// PutPollRecord persists p, keyed by sessionId:jobId. Poll records are
// high-churn and not cached in memory — the job/poll controller keeps its
// own hot-path state and uses the store purely for crash recovery.
func (s *Store) PutPollRecord(ctx context.Context, p domain.PollRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(p)
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutPollRecord", err)
	}
	key := p.SessionID + ":" + p.JobID
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPollRecords).Put([]byte(key), data)
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, component, "PutPollRecord", err)
	}
	return nil
}

func (s *Store) GetPollRecord(ctx context.Context, sessionID, jobID string) (domain.PollRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p domain.PollRecord
	found := false
	key := sessionID + ":" + jobID
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPollRecords).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return domain.PollRecord{}, false, apperr.Wrap(apperr.Internal, component, "GetPollRecord", err)
	}
	return p, found, nil
}

// Stats reports bucket sizes and cache occupancy, mirroring the teacher's
// GetStats debug endpoint.
func (s *Store) Stats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range allBuckets {
			bucket := tx.Bucket(b)
			if bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats["cache_jobs"] = len(s.jobs)
	stats["cache_workflows"] = len(s.workflows)
	stats["cache_tasks"] = len(s.tasks)
	stats["cache_agents"] = len(s.agents)
	return stats
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ExistsJobID, ExistsTaskID wire the store's cache to
// internal/clockid.IDGenerator's existence checkers, so a restored
// counters.json that lags the store never issues a colliding ID.
func (s *Store) ExistsJobID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *Store) ExistsTaskID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Store) ExistsWorkflowID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workflows[id]
	return ok
}

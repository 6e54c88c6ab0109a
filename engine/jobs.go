package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convergelabs/modelgate/core"
	"github.com/convergelabs/modelgate/telemetry"
)

// JobStatus is the async job lifecycle state
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// Job is the persisted record of one async inference request
type Job struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Status      JobStatus      `json:"status"`
	Request     *core.Request  `json:"request"`
	Response    *core.Response `json:"response,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

type jobWork struct {
	job    *Job
	tenant *core.TenantContext
}

// JobManager runs inference requests on a background worker pool and
// persists job records in the memory store (in-process or Redis).
type JobManager struct {
	orchestrator *Orchestrator
	store        core.Memory
	resultTTL    time.Duration
	logger       core.Logger
	clock        core.Clock

	queue    chan jobWork
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewJobManager starts the worker pool
func NewJobManager(orc *Orchestrator, store core.Memory, workers, queueSize int, resultTTL time.Duration, logger core.Logger, clock core.Clock) *JobManager {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if resultTTL <= 0 {
		resultTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if clock == nil {
		clock = time.Now
	}

	m := &JobManager{
		orchestrator: orc,
		store:        store,
		resultTTL:    resultTTL,
		logger:       logger,
		clock:        clock,
		queue:        make(chan jobWork, queueSize),
		stopped:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return m
}

// SubmitAsync enqueues a request and returns its job id immediately.
// A full queue fails fast with RATE_LIMITED rather than blocking the
// caller.
func (m *JobManager) SubmitAsync(ctx context.Context, req *core.Request, tenant *core.TenantContext) (string, error) {
	select {
	case <-m.stopped:
		return "", core.NewGatewayError(core.KindInternal, "jobs.Submit", core.ErrShuttingDown)
	default:
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	job := &Job{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		Status:    JobPending,
		Request:   req,
		CreatedAt: m.clock(),
	}
	if err := m.persist(ctx, job); err != nil {
		return "", err
	}

	select {
	case m.queue <- jobWork{job: job, tenant: tenant}:
	default:
		telemetry.Counter("jobs.queue_full", "tenant_id", req.TenantID)
		ge := core.Errorf(core.KindRateLimited, "jobs.Submit", "job queue is full")
		ge.RetryAfter = time.Second
		return "", ge
	}

	m.logger.Info("Job submitted", map[string]interface{}{
		"operation":  "job_submitted",
		"job_id":     job.ID,
		"request_id": req.ID,
		"tenant_id":  req.TenantID,
	})
	telemetry.Counter("jobs.submitted", "tenant_id", req.TenantID)
	return job.ID, nil
}

// Status returns the job record. Tenants only see their own jobs;
// a foreign job id reads as not found.
func (m *JobManager) Status(ctx context.Context, tenantID, jobID string) (*Job, error) {
	raw, err := m.store.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, core.NewGatewayError(core.KindInternal, "jobs.Status", err)
	}
	if raw == "" {
		return nil, core.NewGatewayError(core.KindInvalidArgument, "jobs.Status", core.ErrJobNotFound)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, core.NewGatewayError(core.KindInternal, "jobs.Status", err)
	}
	if job.TenantID != tenantID {
		return nil, core.NewGatewayError(core.KindInvalidArgument, "jobs.Status", core.ErrJobNotFound)
	}
	return &job, nil
}

// Batch runs the requests concurrently and returns results in request
// order. Per-request failures land in their slot; the batch itself only
// errors on empty input.
type BatchResult struct {
	Response *core.Response `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (m *JobManager) Batch(ctx context.Context, reqs []*core.Request, tenant *core.TenantContext) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, core.Errorf(core.KindInvalidArgument, "jobs.Batch", "empty batch")
	}

	results := make([]BatchResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *core.Request) {
			defer wg.Done()
			resp, err := m.orchestrator.Infer(ctx, req, tenant)
			if err != nil {
				results[i] = BatchResult{Error: err.Error()}
				return
			}
			results[i] = BatchResult{Response: resp}
		}(i, req)
	}
	wg.Wait()
	return results, nil
}

// worker drains the queue until shutdown
func (m *JobManager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopped:
			return
		case work := <-m.queue:
			m.execute(work)
		}
	}
}

func (m *JobManager) execute(work jobWork) {
	job := work.job
	ctx := context.Background()

	job.Status = JobRunning
	if err := m.persist(ctx, job); err != nil {
		m.logger.Error("Job persist failed", map[string]interface{}{
			"operation": "job_persist",
			"job_id":    job.ID,
			"error":     err.Error(),
		})
	}

	resp, err := m.orchestrator.Infer(ctx, job.Request, work.tenant)
	job.CompletedAt = m.clock()
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		job.ErrorKind = string(core.KindOf(err))
	} else {
		job.Status = JobSucceeded
		job.Response = resp
	}

	if perr := m.persist(ctx, job); perr != nil {
		m.logger.Error("Job persist failed", map[string]interface{}{
			"operation": "job_persist",
			"job_id":    job.ID,
			"error":     perr.Error(),
		})
	}

	telemetry.Counter("jobs.completed", "status", string(job.Status))
	m.logger.Info("Job completed", map[string]interface{}{
		"operation": "job_completed",
		"job_id":    job.ID,
		"status":    string(job.Status),
	})
}

func (m *JobManager) persist(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, jobKey(job.ID), string(data), m.resultTTL)
}

// Shutdown stops accepting jobs and waits for workers to finish their
// current job
func (m *JobManager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})
	m.wg.Wait()
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

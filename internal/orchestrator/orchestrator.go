// Package orchestrator coordinates job submission, GPU allocation and
// worker dispatch. Lifecycle operation names and semantics mirror a
// JobOrchestrator (create_job/assign_job_to_gpu/complete_job/fail_job/
// get_job_status/get_queue_stats); the worker pool that actually runs
// jobs is built on a semaphore-bounded concurrent pipeline,
// on golang.org/x/sync/errgroup and golang.org/x/sync/semaphore.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/videointel/coordinator/internal/gpu"
	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/queue"
)

// MinGPUMemoryBytes is the default minimum free memory a job requires
// before it will be assigned a GPU, mirroring the reference
// implementation's min_memory_gb=2.0 default.
const MinGPUMemoryBytes = 2 << 30

// ErrJobNotFound is returned by CancelJob for a job id this process
// isn't tracking (already terminal and forgotten, or never created).
var ErrJobNotFound = errors.New("orchestrator: job not found")

// CancelGracePeriod is how long CancelJob waits for a processing job's
// pipeline to observe cancellation cooperatively before force-failing
// it.
const CancelGracePeriod = 30 * time.Second

// cancelPollInterval is how often CancelJob checks whether a
// processing job reached a terminal state during its grace period.
const cancelPollInterval = 100 * time.Millisecond

// Orchestrator owns job lifecycle state plus the queue and GPU
// registry it is built on. Active jobs are tracked in memory for
// fast status lookups, falling back to the queue backend's status
// store for jobs this process didn't create (e.g. after a restart).
type Orchestrator struct {
	Queue queue.Backend
	GPUs  *gpu.Registry
	Log   *logrus.Logger

	mu      sync.RWMutex
	active  map[string]*model.Job
	cancels map[string]context.CancelFunc
}

// New builds an Orchestrator over the given queue backend and GPU
// registry.
func New(q queue.Backend, gpus *gpu.Registry, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		Queue:   q,
		GPUs:    gpus,
		Log:     log,
		active:  map[string]*model.Job{},
		cancels: map[string]context.CancelFunc{},
	}
}

// registerCancel records the cancel function for a job's running
// pipeline so CancelJob can signal it cooperatively.
func (o *Orchestrator) registerCancel(jobID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[jobID] = cancel
	o.mu.Unlock()
}

// unregisterCancel drops a job's cancel function once its pipeline has
// returned, terminally or not.
func (o *Orchestrator) unregisterCancel(jobID string) {
	o.mu.Lock()
	delete(o.cancels, jobID)
	o.mu.Unlock()
}

// CreateJob builds a pending job, enqueues it, and tracks it in
// memory.
func (o *Orchestrator) CreateJob(ctx context.Context, cameraID string, sourceType model.SourceType, sourcePath string, metadata map[string]any, priority int) (*model.Job, error) {
	job := model.New(cameraID, sourceType, sourcePath, priority, metadata)

	env := queue.Envelope{
		ID:         job.ID,
		Type:       "process_video",
		CameraID:   cameraID,
		SourceType: sourceType,
		SourcePath: sourcePath,
		Priority:   priority,
		Metadata:   metadata,
		CreatedAt:  job.CreatedAt,
	}
	if err := o.Queue.Enqueue(ctx, env); err != nil {
		return nil, fmt.Errorf("orchestrator: enqueue job %s: %w", job.ID, err)
	}

	o.mu.Lock()
	o.active[job.ID] = job
	o.mu.Unlock()

	if err := o.Queue.SetStatus(ctx, job.ID, statusOf(job)); err != nil {
		o.Log.WithError(err).WithField("job_id", job.ID).Warn("orchestrator: failed to persist initial status")
	}

	o.Log.WithFields(logrus.Fields{"job_id": job.ID, "camera_id": cameraID, "source_type": sourceType}).Info("job created")
	return job, nil
}

// AssignJobToGPU attempts to acquire a GPU for job and, on success,
// transitions it to assigned. Returns gpu.ErrNoGPUAvailable, as the
// registry reported it, if none currently qualifies.
func (o *Orchestrator) AssignJobToGPU(ctx context.Context, job *model.Job) (*model.GPUSlot, error) {
	slot, err := o.GPUs.Acquire(ctx, MinGPUMemoryBytes)
	if err != nil {
		o.Log.WithField("job_id", job.ID).Warn("no available gpu for job")
		return nil, err
	}

	if err := job.Assign(slot.ID); err != nil {
		o.GPUs.Release(slot.ID)
		return nil, fmt.Errorf("orchestrator: assign job %s: %w", job.ID, err)
	}

	_ = o.Queue.SetStatus(ctx, job.ID, statusOf(job))
	o.Log.WithFields(logrus.Fields{"job_id": job.ID, "gpu_id": slot.ID}).Info("job assigned to gpu")
	return slot, nil
}

// CompleteJob marks job completed with result and releases its GPU,
// if any.
func (o *Orchestrator) CompleteJob(ctx context.Context, job *model.Job, result map[string]any) error {
	if job.HasGPU {
		o.GPUs.Release(job.GPUID)
	}
	if err := job.Complete(result); err != nil {
		return fmt.Errorf("orchestrator: complete job %s: %w", job.ID, err)
	}
	_ = o.Queue.SetStatus(ctx, job.ID, statusOf(job))
	o.Log.WithField("job_id", job.ID).Info("job completed")
	return nil
}

// FailJob marks job failed with errMsg and releases its GPU, if any.
func (o *Orchestrator) FailJob(ctx context.Context, job *model.Job, errMsg string) error {
	if job.HasGPU {
		o.GPUs.Release(job.GPUID)
	}
	if err := job.Fail(errMsg); err != nil {
		return fmt.Errorf("orchestrator: fail job %s: %w", job.ID, err)
	}
	_ = o.Queue.SetStatus(ctx, job.ID, statusOf(job))
	o.Log.WithFields(logrus.Fields{"job_id": job.ID, "error": errMsg}).Error("job failed")
	return nil
}

// CompleteCancel marks job cancelled after its pipeline observed
// cooperative cancellation and released its own resources on the way
// out, releasing its GPU if it still holds one.
func (o *Orchestrator) CompleteCancel(ctx context.Context, job *model.Job) error {
	if job.HasGPU {
		o.GPUs.Release(job.GPUID)
	}
	if err := job.Cancel(); err != nil {
		return fmt.Errorf("orchestrator: cancel job %s: %w", job.ID, err)
	}
	_ = o.Queue.SetStatus(ctx, job.ID, statusOf(job))
	o.Log.WithField("job_id", job.ID).Info("job cancelled")
	return nil
}

// CancelJob cancels jobID. A pending or assigned job (no pipeline
// goroutine reading its context yet) is cancelled immediately. A
// processing job is cancelled cooperatively: its registered cancel
// function is invoked and CancelJob waits up to CancelGracePeriod for
// the dispatcher's pipeline to observe it and reach a terminal state;
// if the grace period elapses first, the job is force-failed with
// "cancellation timeout" and its GPU reclaimed regardless.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	o.mu.RLock()
	job, ok := o.active[jobID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("orchestrator: job %s: %w", jobID, ErrJobNotFound)
	}
	if job.IsTerminal() {
		return job.Clone(), nil
	}

	switch job.GetStatus() {
	case model.StatusPending, model.StatusAssigned:
		if job.HasGPU {
			o.GPUs.Release(job.GPUID)
		}
		if err := job.Cancel(); err != nil {
			return nil, fmt.Errorf("orchestrator: cancel job %s: %w", jobID, err)
		}
		_ = o.Queue.SetStatus(ctx, jobID, statusOf(job))
		o.forget(jobID)
		o.unregisterCancel(jobID)
		o.Log.WithField("job_id", jobID).Info("job cancelled")
		return job.Clone(), nil
	}

	o.mu.RLock()
	cancel, hasCancel := o.cancels[jobID]
	o.mu.RUnlock()
	if hasCancel {
		cancel()
	}

	deadline := time.Now().Add(CancelGracePeriod)
	for time.Now().Before(deadline) {
		if job.IsTerminal() {
			return job.Clone(), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cancelPollInterval):
		}
	}
	if job.IsTerminal() {
		return job.Clone(), nil
	}

	o.Log.WithField("job_id", jobID).Warn("orchestrator: cancellation grace period elapsed, force-failing job")
	if err := o.FailJob(ctx, job, "cancellation timeout"); err != nil {
		return nil, fmt.Errorf("orchestrator: force-fail job %s after cancellation timeout: %w", jobID, err)
	}
	o.forget(jobID)
	o.unregisterCancel(jobID)
	return job.Clone(), nil
}

// GetJobStatus returns a safe snapshot of job's current state,
// checking in-memory tracking first and falling back to the queue's
// durable status store for jobs this process doesn't hold (e.g. after
// a restart).
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*model.Job, map[string]any, bool, error) {
	o.mu.RLock()
	job, ok := o.active[jobID]
	o.mu.RUnlock()
	if ok {
		return job.Clone(), nil, true, nil
	}

	status, found, err := o.Queue.GetStatus(ctx, jobID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("orchestrator: get status %s: %w", jobID, err)
	}
	return nil, status, found, nil
}

// QueueStats summarizes current load for monitoring/backpressure
// decisions.
type QueueStats struct {
	QueueLength   int64
	ActiveJobs    int
	GPUCount      int
	AvailableGPUs int
}

// GetQueueStats reports current queue depth, active job count and GPU
// availability.
func (o *Orchestrator) GetQueueStats(ctx context.Context) (QueueStats, error) {
	length, err := o.Queue.Len(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("orchestrator: queue length: %w", err)
	}

	o.mu.RLock()
	activeCount := len(o.active)
	o.mu.RUnlock()

	return QueueStats{
		QueueLength:   length,
		ActiveJobs:    activeCount,
		GPUCount:      len(o.GPUs.All()),
		AvailableGPUs: o.GPUs.AvailableCount(),
	}, nil
}

// forget removes job from in-memory tracking once it reaches a
// terminal state, so long-lived processes don't leak job records. The
// durable status remains queryable via the queue's 24h-TTL store.
func (o *Orchestrator) forget(jobID string) {
	o.mu.Lock()
	delete(o.active, jobID)
	o.mu.Unlock()
}

func statusOf(job *model.Job) map[string]any {
	j := job.Clone()
	status := map[string]any{
		"job_id":     j.ID,
		"camera_id":  j.CameraID,
		"status":     string(j.Status),
		"created_at": j.CreatedAt,
		"updated_at": j.UpdatedAt,
	}
	if j.HasGPU {
		status["gpu_id"] = j.GPUID
	}
	if j.Error != "" {
		status["error"] = j.Error
	}
	if j.Result != nil {
		status["result"] = j.Result
	}
	return status
}

// defaultGPUWaitBackoff is how long the dispatcher waits before
// re-attempting GPU assignment for a job when none is currently
// available.
const defaultGPUWaitBackoff = 2 * time.Second

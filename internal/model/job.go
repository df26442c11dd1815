// Package model defines the domain entities shared by the coordinator:
// cameras, jobs, chunks, GPU slots, detections, tracks, rules, events
// and alerts.
package model

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ErrInvalidTransition is returned when a job state transition is not
// permitted by the state machine below.
var ErrInvalidTransition = errors.New("model: invalid job status transition")

// validTransitions enumerates the monotonic edges of the job state
// machine. Terminal states (completed/failed/cancelled) have no
// outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled, StatusFailed},
	StatusAssigned:   {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// SourceType identifies where a job's frames come from.
type SourceType string

const (
	SourceRTSP SourceType = "rtsp"
	SourceHTTP SourceType = "http"
	SourceFile SourceType = "file"
)

// Job is a unit of ingest/inference work submitted against one camera.
// Every mutator locks mu, mirroring the mutex-guarded aggregate pattern
// used for job lifecycle state elsewhere in the ecosystem.
type Job struct {
	mu sync.RWMutex

	ID         string
	CameraID   string
	SourceType SourceType
	SourcePath string
	Priority   int
	Status     Status
	GPUID      int
	HasGPU     bool
	Error      string

	CreatedAt    time.Time
	AssignedAt   time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	UpdatedAt    time.Time

	Metadata map[string]any
	Result   map[string]any
}

// New creates a pending job with a freshly generated id.
func New(cameraID string, sourceType SourceType, sourcePath string, priority int, metadata map[string]any) *Job {
	return NewWithID(uuid.NewString(), cameraID, sourceType, sourcePath, priority, metadata)
}

// NewWithID creates a pending job using a caller-supplied id, used by
// the queue backend when rehydrating a job from its wire form.
func NewWithID(id, cameraID string, sourceType SourceType, sourcePath string, priority int, metadata map[string]any) *Job {
	now := time.Now().UTC()
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &Job{
		ID:         id,
		CameraID:   cameraID,
		SourceType: sourceType,
		SourcePath: sourcePath,
		Priority:   priority,
		Status:     StatusPending,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo moves the job to status, enforcing the state machine
// and stamping the relevant timestamp.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}
	j.Status = status
	now := time.Now().UTC()
	j.UpdatedAt = now
	switch status {
	case StatusAssigned:
		j.AssignedAt = now
	case StatusProcessing:
		j.StartedAt = now
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = now
	}
	return nil
}

// Assign marks the job assigned to the given GPU.
func (j *Job) Assign(gpuID int) error {
	if err := j.TransitionTo(StatusAssigned); err != nil {
		return err
	}
	j.mu.Lock()
	j.GPUID = gpuID
	j.HasGPU = true
	j.mu.Unlock()
	return nil
}

// Start marks the job processing.
func (j *Job) Start() error { return j.TransitionTo(StatusProcessing) }

// Complete marks the job completed and stores its result payload.
func (j *Job) Complete(result map[string]any) error {
	if err := j.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	j.mu.Lock()
	j.Result = result
	j.mu.Unlock()
	return nil
}

// Fail marks the job failed with the given error message.
func (j *Job) Fail(errMsg string) error {
	if err := j.TransitionTo(StatusFailed); err != nil {
		return err
	}
	j.mu.Lock()
	j.Error = errMsg
	j.mu.Unlock()
	return nil
}

// Cancel marks the job cancelled.
func (j *Job) Cancel() error { return j.TransitionTo(StatusCancelled) }

// GetStatus returns the job's current status under a read lock.
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status.IsTerminal()
}

// Clone returns a deep-enough copy of the job suitable for safe
// handoff outside the holder's lock (used by status queries).
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	metadata := make(map[string]any, len(j.Metadata))
	for k, v := range j.Metadata {
		metadata[k] = v
	}
	var result map[string]any
	if j.Result != nil {
		result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			result[k] = v
		}
	}

	return &Job{
		ID:          j.ID,
		CameraID:    j.CameraID,
		SourceType:  j.SourceType,
		SourcePath:  j.SourcePath,
		Priority:    j.Priority,
		Status:      j.Status,
		GPUID:       j.GPUID,
		HasGPU:      j.HasGPU,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		AssignedAt:  j.AssignedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		UpdatedAt:   j.UpdatedAt,
		Metadata:    metadata,
		Result:      result,
	}
}

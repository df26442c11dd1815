// Package queue implements the coordinator's priority job queue: a
// Redis-backed sorted-set implementation for production and an
// in-memory implementation for tests and dependency-free operation,
// behind a single Backend interface.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/videointel/coordinator/internal/model"
)

// ErrEmpty is returned by Dequeue when no job became available before
// the wait timed out.
var ErrEmpty = errors.New("queue: empty")

// ErrUnreachable indicates the queue backend could not be reached at
// all (fatal to submit — see spec §7).
var ErrUnreachable = errors.New("queue: backend unreachable")

// Envelope is the wire form enqueued for a job: enough to reconstruct
// a model.Job plus its submission metadata.
type Envelope struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	CameraID   string         `json:"camera_id"`
	SourceType model.SourceType `json:"source_type"`
	SourcePath string         `json:"source_path"`
	Priority   int            `json:"priority"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
}

// scorePriorityWeight spaces priority bands far enough apart that the
// submission-time tiebreak below can never cross one: at one priority
// level per multiple-century span of submit timestamps, priority
// always dominates in practice.
const scorePriorityWeight = 1e15

// Score is the sort key used by the priority queue: higher priority
// wins; within a priority band the submit timestamp is subtracted so
// an earlier submission (smaller UnixMilli) yields a larger score —
// FIFO within equal priority, as required by the dequeue order
// (highest score first).
func Score(priority int, submittedAt time.Time) float64 {
	return float64(priority)*scorePriorityWeight - float64(submittedAt.UnixMilli())
}

// Backend is the priority-queue + status-store contract. Both
// implementations in this package satisfy it.
type Backend interface {
	// Enqueue adds job to the priority queue.
	Enqueue(ctx context.Context, job Envelope) error
	// Dequeue blocks up to timeout for the highest-priority job and
	// atomically removes it, returning ErrEmpty if none arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (Envelope, error)
	// Len reports the current queue depth.
	Len(ctx context.Context) (int64, error)
	// SetStatus persists a status record for jobID. The Redis backend
	// expires it 24h after the last write; Memory keeps it until the
	// process exits.
	SetStatus(ctx context.Context, jobID string, status map[string]any) error
	// GetStatus retrieves the status record for jobID, if present.
	GetStatus(ctx context.Context, jobID string) (map[string]any, bool, error)
	// Close releases backend resources.
	Close() error
}

func marshalEnvelope(e Envelope) ([]byte, error) { return json.Marshal(e) }

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

func marshalStatus(s map[string]any) ([]byte, error) { return json.Marshal(s) }

func unmarshalStatus(data []byte) (map[string]any, error) {
	var s map[string]any
	err := json.Unmarshal(data, &s)
	return s, err
}

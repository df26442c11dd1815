// Package reporter fans out job lifecycle events to subscribers using
// a mutex-guarded, timestamped event-writer pattern, broadcasting job
// events to SSE subscribers instead of appending lines to a log file.
package reporter

import (
	"encoding/json"
	"sync"
	"time"
)

// JobEvent is one lifecycle update for a job, serialized as an SSE
// data payload.
type JobEvent struct {
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"` // "status", "progress", "event", "error"
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Encode serializes the event as JSON, the payload the SSE handler
// writes after "data: ".
func (e JobEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// subscriberBuffer bounds how many pending events a slow subscriber
// may accumulate before being dropped, so one stalled HTTP client
// can't block the whole broadcast.
const subscriberBuffer = 32

// Broadcaster fans out job events to any number of subscribers,
// mirroring log.go's single-writer-many-events shape but over
// channels instead of an io.Writer.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[chan JobEvent]struct{} // jobID -> subscriber set
}

// NewBroadcaster creates an empty event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: map[string]map[chan JobEvent]struct{}{}}
}

// Subscribe registers a new subscriber for jobID's events, returning
// the channel to read from and an unsubscribe func the caller must
// invoke when done (e.g. on HTTP request context cancellation).
func (b *Broadcaster) Subscribe(jobID string) (ch chan JobEvent, unsubscribe func()) {
	ch = make(chan JobEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = map[chan JobEvent]struct{}{}
	}
	b.subscribers[jobID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe = func() {
		b.mu.Lock()
		delete(b.subscribers[jobID], ch)
		if len(b.subscribers[jobID]) == 0 {
			delete(b.subscribers, jobID)
		}
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

// Publish sends evt to every current subscriber of evt.JobID. A
// subscriber whose buffer is full is skipped rather than blocking
// the publisher.
func (b *Broadcaster) Publish(evt JobEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers[evt.JobID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Status publishes a status-change event for jobID.
func (b *Broadcaster) Status(jobID, status string) {
	b.Publish(JobEvent{JobID: jobID, Type: "status", Message: status})
}

// Progress publishes a progress update for jobID.
func (b *Broadcaster) Progress(jobID string, data map[string]any) {
	b.Publish(JobEvent{JobID: jobID, Type: "progress", Data: data})
}

// Error publishes an error event for jobID.
func (b *Broadcaster) Error(jobID, message string) {
	b.Publish(JobEvent{JobID: jobID, Type: "error", Message: message})
}

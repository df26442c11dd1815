// Package repository provides the storage interfaces for the
// coordinator's durable entities (cameras, rules, events, alerts) and
// an in-memory implementation, generalizing the cyclic
// event↔alert↔user references design notes call out into integer/UUID
// ids resolved through explicit lookups instead of graph pointers.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/videointel/coordinator/internal/model"
)

// ErrNotFound is returned when a lookup by id has no match.
var ErrNotFound = errors.New("repository: not found")

// EventFilter scopes a ListEvents query, mirroring the original
// gateway's query-parameter filter set.
type EventFilter struct {
	CameraID     string
	EventCode    string
	Acknowledged *bool
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// Store is the storage contract the HTTP API and dispatcher depend
// on: cameras, per-camera rules, events and their alerts. Separate
// per-entity method names (GetCamera/GetEvent, PutCamera/PutRule, ...)
// keep a single type able to satisfy the whole contract, since the
// entities' natural CRUD verbs collide (every entity has a "Create" or
// "Get").
type Store interface {
	GetCamera(ctx context.Context, id string) (model.Camera, error)
	ListCameras(ctx context.Context) ([]model.Camera, error)
	PutCamera(ctx context.Context, cam model.Camera) error

	ListActiveRulesByCamera(ctx context.Context, cameraID string) ([]model.Rule, error)
	PutRule(ctx context.Context, rule model.Rule) error

	CreateEvent(ctx context.Context, evt model.Event) (model.Event, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)
	AcknowledgeEvent(ctx context.Context, id, by string) (model.Event, error)

	CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
	ListAlertsByEvent(ctx context.Context, eventID string) ([]model.Alert, error)
}

// Memory is an in-memory Store, suitable for tests and single-process
// deployments — the same role internal/queue.Memory plays for the
// priority queue.
type Memory struct {
	mu      sync.RWMutex
	cameras map[string]model.Camera
	rules   map[string]model.Rule
	events  map[string]model.Event
	alerts  map[string][]model.Alert
}

// NewMemory builds an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		cameras: map[string]model.Camera{},
		rules:   map[string]model.Rule{},
		events:  map[string]model.Event{},
		alerts:  map[string][]model.Alert{},
	}
}

func (m *Memory) GetCamera(_ context.Context, id string) (model.Camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cam, ok := m.cameras[id]
	if !ok {
		return model.Camera{}, fmt.Errorf("repository: camera %s: %w", id, ErrNotFound)
	}
	return cam, nil
}

func (m *Memory) ListCameras(_ context.Context) ([]model.Camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cams := make([]model.Camera, 0, len(m.cameras))
	for _, c := range m.cameras {
		cams = append(cams, c)
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })
	return cams, nil
}

func (m *Memory) PutCamera(_ context.Context, cam model.Camera) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cam.ID == "" {
		cam.ID = uuid.NewString()
	}
	m.cameras[cam.ID] = cam
	return nil
}

func (m *Memory) ListActiveRulesByCamera(_ context.Context, cameraID string) ([]model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Rule
	for _, r := range m.rules {
		if r.Enabled && r.AppliesToCamera(cameraID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutRule(_ context.Context, rule model.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	m.rules[rule.ID] = rule
	return nil
}

func (m *Memory) CreateEvent(_ context.Context, evt model.Event) (model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	m.events[evt.ID] = evt
	return evt, nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evt, ok := m.events[id]
	if !ok {
		return model.Event{}, fmt.Errorf("repository: event %s: %w", id, ErrNotFound)
	}
	return evt, nil
}

func (m *Memory) ListEvents(_ context.Context, filter EventFilter) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.Event
	for _, e := range m.events {
		if filter.CameraID != "" && e.CameraID != filter.CameraID {
			continue
		}
		if filter.EventCode != "" && e.EventCode != filter.EventCode {
			continue
		}
		if filter.Acknowledged != nil && e.Acknowledged != *filter.Acknowledged {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > len(matched) {
		limit = len(matched)
	}
	return matched[:limit], nil
}

func (m *Memory) AcknowledgeEvent(_ context.Context, id, by string) (model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.events[id]
	if !ok {
		return model.Event{}, fmt.Errorf("repository: event %s: %w", id, ErrNotFound)
	}
	evt.Acknowledge(by)
	m.events[id] = evt
	return evt, nil
}

// CreateAlert stores alert, defaulting Status to pending: the
// notification dispatcher that actually delivers it (and so stamps
// SentAt / flips Status to sent) is out of scope.
func (m *Memory) CreateAlert(_ context.Context, alert model.Alert) (model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = model.AlertStatusPending
	}
	m.alerts[alert.EventID] = append(m.alerts[alert.EventID], alert)
	return alert, nil
}

func (m *Memory) ListAlertsByEvent(_ context.Context, eventID string) ([]model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Alert(nil), m.alerts[eventID]...), nil
}

var _ Store = (*Memory)(nil)

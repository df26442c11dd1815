package model

import "time"

// Camera is a registered video source.
type Camera struct {
	ID         string
	Name       string
	SourceType SourceType
	SourceURI  string
	ZoneConfig map[string]any
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk is one contiguous, dense-indexed frame range of a job's source.
type Chunk struct {
	JobID        string
	Idx          int // dense 0..N-1
	StartFrame   int
	EndFrame     int // exclusive
	OriginalFile string
}

// Frames returns the number of frames covered by the chunk.
func (c Chunk) Frames() int { return c.EndFrame - c.StartFrame }

// GPUSlot is a registry-tracked accelerator.
type GPUSlot struct {
	ID              int
	Name            string
	MemoryTotal     uint64
	MemoryUsed      uint64
	MemoryFree      uint64
	UtilizationPct  int
	TemperatureC    int
	Available       bool
	LastUpdate      time.Time
}

// Detection is one bounding box produced by the inference engine for a
// single frame.
type Detection struct {
	ClassID    int
	ClassName  string
	Confidence float64
	BBox       [4]float64 // x1, y1, x2, y2
}

// Center returns the bounding box's midpoint.
func (d Detection) Center() (x, y float64) {
	return (d.BBox[0] + d.BBox[2]) / 2, (d.BBox[1] + d.BBox[3]) / 2
}

// Track is a detection followed across frames by the object tracker.
type Track struct {
	TrackID        int
	ClassID        int
	ClassName      string
	BBox           [4]float64
	FirstSeen      int
	LastSeen       int
	Disappeared    int
	DetectionCount int
}

// Age returns how many frames the track has existed as of frameNumber.
func (t Track) Age(frameNumber int) int { return frameNumber - t.FirstSeen }

// EventSeverity classifies how urgently an event warrants operator
// attention.
type EventSeverity string

const (
	EventSeverityLow      EventSeverity = "low"
	EventSeverityMedium   EventSeverity = "medium"
	EventSeverityHigh     EventSeverity = "high"
	EventSeverityCritical EventSeverity = "critical"
)

// Event is a rule firing, materialized with an optional extracted clip.
type Event struct {
	ID           string
	RuleID       string
	EventType    string
	EventCode    string
	Severity     EventSeverity
	Confidence   float64
	CameraID     string
	JobID        string
	TrackID      int
	FrameNumber  int
	Timestamp    time.Time
	Description  string
	ClipPath     string
	Metadata     map[string]any
	Acknowledged bool
	AckedBy      string
	AckedAt      time.Time
	CreatedAt    time.Time
}

// Acknowledge marks the event acknowledged. One-directional: there is
// no un-acknowledge operation (see DESIGN.md Open Question #2).
func (e *Event) Acknowledge(by string) {
	e.Acknowledged = true
	e.AckedBy = by
	e.AckedAt = time.Now().UTC()
}

// Rule ties a tagged-union condition to an alert action for a set of
// cameras.
type Rule struct {
	ID                  string
	Name                string
	EventType           string
	EventCode           string
	CameraIDs           []string // empty/nil means every camera
	ConfidenceThreshold float64  // post-fire gate; 0 means no additional gate
	ZoneConfig          map[string]any
	Condition           RawCondition
	AlertConfig         []AlertChannelConfig
	DebounceSec         int
	Enabled             bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AppliesToCamera reports whether the rule is scoped to cameraID —
// an empty CameraIDs list means the rule applies to every camera.
func (r Rule) AppliesToCamera(cameraID string) bool {
	if len(r.CameraIDs) == 0 {
		return true
	}
	for _, id := range r.CameraIDs {
		if id == cameraID {
			return true
		}
	}
	return false
}

// AlertChannelConfig is one configured notification target a firing
// rule escalates to.
type AlertChannelConfig struct {
	Channel   string
	Recipient string
	Subject   string
	Message   string
}

// RawCondition is the wire form of a rule condition: a "type"
// discriminator plus arbitrary fields, decoded by internal/rules'
// registry into a concrete Condition implementation.
type RawCondition struct {
	Type   string
	Fields map[string]any
}

// AlertStatus is an alert's position in its notification lifecycle.
type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "pending"
	AlertStatusSent         AlertStatus = "sent"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Alert is a durable record of a rule firing that was escalated to an
// operator-facing channel. Produced by the Event Emitter, one per
// configured channel/recipient on the firing rule's AlertConfig;
// consumed by a notification dispatcher this package does not
// implement.
type Alert struct {
	ID           string
	EventID      string
	RuleID       string
	CameraID     string
	Channel      string // email, webhook, in_app
	Recipient    string
	Subject      string
	Message      string
	Status       AlertStatus
	SentAt       time.Time
	Acknowledged bool
	AckedBy      string
	AckedAt      time.Time
}

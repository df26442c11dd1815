// Package emitter evaluates active rules against processed frames,
// debounces repeated firings, and materializes clips for the
// resulting events.
package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/rules"
)

// ActiveRule pairs a rule with its decoded condition, as handed to
// the emitter by whatever loaded the rule set (repository, config).
type ActiveRule struct {
	Rule      model.Rule
	Condition rules.Condition
}

// ClipExtractor copies a frame range from a job's source into a
// standalone clip file, returning its path. Built on the same
// external-process chunk-merge pattern used elsewhere, generalized
// from concatenating encoded chunks to extracting a padded frame
// range.
type ClipExtractor interface {
	Extract(ctx context.Context, sourcePath string, startFrame, endFrame int, fps float64) (clipPath string, err error)
}

// AlertSink persists the pending alerts a firing rule's AlertConfig
// escalates to. Left nil, events still fire but no alerts are
// recorded — fine for tests that don't exercise notification fanout.
type AlertSink interface {
	CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
}

// Emitter fires events for active rules and debounces repeats per
// (rule, track) within each rule's debounce window.
type Emitter struct {
	mu        sync.Mutex
	extractor ClipExtractor
	lastFired map[string]time.Time // key: rule.ID + ":" + track_id

	// Alerts persists one pending alert per configured channel on a
	// firing rule's AlertConfig. Set after construction, same as
	// Dispatcher.Events, so existing callers aren't affected.
	Alerts AlertSink

	log *logrus.Logger
}

// New creates an Emitter using extractor for clip materialization.
func New(extractor ClipExtractor) *Emitter {
	return &Emitter{extractor: extractor, lastFired: map[string]time.Time{}, log: logrus.New()}
}

func debounceKey(ruleID string, trackID int) string {
	return fmt.Sprintf("%s:%d", ruleID, trackID)
}

// Evaluate runs every active rule against frame, returning the new
// events produced (after debouncing). cameraID/jobID/sourcePath/fps
// describe the job the frame came from, used to extract clips.
func (e *Emitter) Evaluate(ctx context.Context, activeRules []ActiveRule, frame rules.Frame, cameraID, jobID, sourcePath string, fps float64, padFrames int, totalFrames int) ([]model.Event, error) {
	now := time.Now().UTC()
	var events []model.Event

	for _, ar := range activeRules {
		if !ar.Rule.Enabled {
			continue
		}
		fired, trackID, confidence := ar.Condition.Evaluate(frame)
		if !fired {
			continue
		}
		if ar.Rule.ConfidenceThreshold > 0 && confidence < ar.Rule.ConfidenceThreshold {
			continue
		}

		key := debounceKey(ar.Rule.ID, trackID)
		e.mu.Lock()
		last, seen := e.lastFired[key]
		debounced := seen && now.Sub(last) < time.Duration(ar.Rule.DebounceSec)*time.Second
		if !debounced {
			e.lastFired[key] = now
		}
		e.mu.Unlock()
		if debounced {
			continue
		}

		evt := model.Event{
			ID:          uuid.NewString(),
			RuleID:      ar.Rule.ID,
			EventType:   ar.Rule.EventType,
			EventCode:   ar.Rule.EventCode,
			Severity:    model.EventSeverityMedium,
			Confidence:  confidence,
			CameraID:    cameraID,
			JobID:       jobID,
			TrackID:     trackID,
			FrameNumber: frame.FrameNumber,
			Timestamp:   now,
			Description: fmt.Sprintf("rule %q fired on frame %d", ar.Rule.Name, frame.FrameNumber),
			CreatedAt:   now,
		}

		if e.extractor != nil {
			start, end := clipRange(frame.FrameNumber, padFrames, totalFrames)
			clipPath, err := e.extractor.Extract(ctx, sourcePath, start, end, fps)
			if err != nil {
				return events, fmt.Errorf("emitter: extract clip for event on rule %s: %w", ar.Rule.ID, err)
			}
			evt.ClipPath = clipPath
		}

		e.raiseAlerts(ctx, ar.Rule, evt)
		events = append(events, evt)
	}

	return events, nil
}

// raiseAlerts enqueues one pending alert per channel configured on
// rule's AlertConfig for the event just fired. Best-effort: a failed
// write is logged, not propagated, so one bad notification target
// never fails the frame pipeline.
func (e *Emitter) raiseAlerts(ctx context.Context, rule model.Rule, evt model.Event) {
	if e.Alerts == nil {
		return
	}
	for _, ch := range rule.AlertConfig {
		alert := model.Alert{
			EventID:   evt.ID,
			RuleID:    rule.ID,
			CameraID:  evt.CameraID,
			Channel:   ch.Channel,
			Recipient: ch.Recipient,
			Subject:   ch.Subject,
			Message:   ch.Message,
			Status:    model.AlertStatusPending,
		}
		if _, err := e.Alerts.CreateAlert(ctx, alert); err != nil {
			e.log.WithError(err).WithField("rule_id", rule.ID).Warn("emitter: failed to persist alert")
		}
	}
}

// clipRange computes the padded frame range for a clip, clamped to
// [0, totalFrames).
func clipRange(frameNumber, padFrames, totalFrames int) (start, end int) {
	start = frameNumber - padFrames
	if start < 0 {
		start = 0
	}
	end = frameNumber + padFrames + 1
	if totalFrames > 0 && end > totalFrames {
		end = totalFrames
	}
	if end < start {
		end = start
	}
	return start, end
}

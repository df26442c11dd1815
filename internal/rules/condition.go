// Package rules implements the tagged-union rule condition types and
// the registry-based decoder that turns a stored rule's raw JSON
// condition into one of them.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/videointel/coordinator/internal/model"
)

// Frame is the evaluation context a condition is checked against: the
// detections/tracks produced for one processed frame.
type Frame struct {
	FrameNumber int
	Detections  []model.Detection
	Tracks      []model.Track
}

// Condition is a rule's evaluable trigger predicate.
type Condition interface {
	// Evaluate reports whether the condition fires for this frame, and
	// if so, which track (if any) it fired on (0 if not track-specific)
	// and the detection confidence backing the determination (1.0 for
	// conditions, like an absence check, with no underlying detection
	// to draw a confidence from).
	Evaluate(frame Frame) (fired bool, trackID int, confidence float64)
}

// bestConfidenceForClass returns the highest detection confidence for
// className in frame, or 0 if the class has no detections — used by
// track-based conditions to recover a confidence value, since Track
// itself doesn't carry one.
func bestConfidenceForClass(frame Frame, className string) float64 {
	var best float64
	for _, d := range frame.Detections {
		if d.ClassName == className && d.Confidence > best {
			best = d.Confidence
		}
	}
	return best
}

// decoderFunc builds a Condition from its raw field map.
type decoderFunc func(fields map[string]any) (Condition, error)

var registry = map[string]decoderFunc{
	"required_class_present": decodeRequiredClassPresent,
	"required_ppe_absent":    decodeRequiredPPEAbsent,
	"in_zone":                decodeInZone,
	"min_confidence":         decodeMinConfidence,
}

// Decode turns a model.RawCondition into a concrete Condition using
// the "type" discriminator to pick a decoder from the registry.
func Decode(raw model.RawCondition) (Condition, error) {
	decode, ok := registry[raw.Type]
	if !ok {
		return nil, fmt.Errorf("rules: unknown condition type %q", raw.Type)
	}
	return decode(raw.Fields)
}

// DecodeJSON decodes a raw JSON payload of the form
// {"type": "...", ...fields} into a Condition.
func DecodeJSON(data []byte) (Condition, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("rules: decode condition envelope: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("rules: decode condition fields: %w", err)
	}
	return Decode(model.RawCondition{Type: envelope.Type, Fields: fields})
}

func stringSlice(v any) []string {
	if s, ok := v.([]string); ok {
		return s
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// RequiredClassPresent fires when a frame contains at least one track
// of one of the named classes.
type RequiredClassPresent struct {
	Classes []string
}

func decodeRequiredClassPresent(fields map[string]any) (Condition, error) {
	classes := stringSlice(fields["classes"])
	if len(classes) == 0 {
		return nil, fmt.Errorf("rules: required_class_present needs a non-empty classes list")
	}
	return RequiredClassPresent{Classes: classes}, nil
}

func (c RequiredClassPresent) Evaluate(frame Frame) (bool, int, float64) {
	want := make(map[string]bool, len(c.Classes))
	for _, cls := range c.Classes {
		want[cls] = true
	}
	for _, tr := range frame.Tracks {
		if want[tr.ClassName] {
			return true, tr.TrackID, bestConfidenceForClass(frame, tr.ClassName)
		}
	}
	return false, 0, 0
}

// RequiredPPEAbsent fires when none of the required PPE classes are
// present among the frame's tracks (e.g. missing hard-hat).
type RequiredPPEAbsent struct {
	PPE []string
}

func decodeRequiredPPEAbsent(fields map[string]any) (Condition, error) {
	ppe := stringSlice(fields["ppe"])
	if len(ppe) == 0 {
		return nil, fmt.Errorf("rules: required_ppe_absent needs a non-empty ppe list")
	}
	return RequiredPPEAbsent{PPE: ppe}, nil
}

func (c RequiredPPEAbsent) Evaluate(frame Frame) (bool, int, float64) {
	present := make(map[string]bool, len(frame.Tracks))
	for _, tr := range frame.Tracks {
		present[tr.ClassName] = true
	}
	for _, item := range c.PPE {
		if !present[item] {
			// Fire against the first person track present, if any. An
			// absence has no detection to draw confidence from — the
			// determination itself is certain.
			for _, tr := range frame.Tracks {
				if tr.ClassName == "person" {
					return true, tr.TrackID, 1.0
				}
			}
			return true, 0, 1.0
		}
	}
	return false, 0, 0
}

// InZone fires when a track's bounding box center falls within the
// named zone's polygon (approximated here as an axis-aligned box).
type InZone struct {
	ZoneID string
	Box    [4]float64
}

func decodeInZone(fields map[string]any) (Condition, error) {
	zoneID, _ := fields["zone_id"].(string)
	if zoneID == "" {
		return nil, fmt.Errorf("rules: in_zone needs a zone_id")
	}
	coords := fields["box"]
	arr, ok := coords.([]any)
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("rules: in_zone needs a 4-element box")
	}
	var box [4]float64
	for i, v := range arr {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("rules: in_zone box element %d is not numeric", i)
		}
		box[i] = f
	}
	return InZone{ZoneID: zoneID, Box: box}, nil
}

func (c InZone) Evaluate(frame Frame) (bool, int, float64) {
	for _, tr := range frame.Tracks {
		cx := (tr.BBox[0] + tr.BBox[2]) / 2
		cy := (tr.BBox[1] + tr.BBox[3]) / 2
		if cx >= c.Box[0] && cx <= c.Box[2] && cy >= c.Box[1] && cy <= c.Box[3] {
			return true, tr.TrackID, bestConfidenceForClass(frame, tr.ClassName)
		}
	}
	return false, 0, 0
}

// MinConfidence fires when any detection of the named class meets or
// exceeds the confidence threshold.
type MinConfidence struct {
	ClassName  string
	Confidence float64
}

func decodeMinConfidence(fields map[string]any) (Condition, error) {
	className, _ := fields["class_name"].(string)
	conf, ok := fields["confidence"].(float64)
	if className == "" || !ok {
		return nil, fmt.Errorf("rules: min_confidence needs class_name and confidence")
	}
	return MinConfidence{ClassName: className, Confidence: conf}, nil
}

func (c MinConfidence) Evaluate(frame Frame) (bool, int, float64) {
	var best float64
	fired := false
	for _, d := range frame.Detections {
		if d.ClassName == c.ClassName && d.Confidence >= c.Confidence {
			fired = true
			if d.Confidence > best {
				best = d.Confidence
			}
		}
	}
	return fired, 0, best
}

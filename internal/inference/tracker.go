// Package inference runs per-frame object detection, frame sampling,
// and multi-frame object tracking for one worker's assigned chunk.
package inference

import "github.com/videointel/coordinator/internal/model"

// DefaultMaxDisappeared is how many consecutive frames a track may go
// unmatched before it is evicted.
const DefaultMaxDisappeared = 5

// DefaultIoUThreshold is the minimum IoU for a detection to match an
// existing track.
const DefaultIoUThreshold = 0.3

// ObjectTracker assigns and maintains track identities across frames
// using IoU overlap, ported line-for-line from the reference
// implementation's tracker: ties break toward the lowest existing
// track id, tracks evict after disappearing for more than
// MaxDisappeared consecutive frames.
type ObjectTracker struct {
	MaxDisappeared int
	IoUThreshold   float64

	tracks map[int]*model.Track
	nextID int
}

// NewObjectTracker builds a tracker with the given thresholds.
func NewObjectTracker(maxDisappeared int, iouThreshold float64) *ObjectTracker {
	return &ObjectTracker{
		MaxDisappeared: maxDisappeared,
		IoUThreshold:   iouThreshold,
		tracks:         map[int]*model.Track{},
		nextID:         1,
	}
}

func iou(a, b [4]float64) float64 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	intersection := (x2 - x1) * (y2 - y1)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection
	if union == 0 {
		return 0
	}
	return intersection / union
}

// Update matches detections against existing tracks for frameNumber,
// creating new tracks for unmatched detections and evicting tracks
// that have disappeared too long. Returns the tracks matched or
// created by this frame's detections, in detection order (nil when
// detections is empty); GetActiveTracks returns every live track.
func (t *ObjectTracker) Update(detections []model.Detection, frameNumber int) []model.Track {
	if len(detections) == 0 {
		t.ageOutUnmatched(map[int]bool{})
		return nil
	}

	ids := sortedTrackIDs(t.tracks)
	matchedTracks := map[int]bool{}
	var active []model.Track

	for _, det := range detections {
		bestIoU := 0.0
		bestID := -1
		for _, id := range ids {
			if matchedTracks[id] {
				continue
			}
			candidate := iou(t.tracks[id].BBox, det.BBox)
			if candidate > bestIoU && candidate >= t.IoUThreshold {
				bestIoU = candidate
				bestID = id
			}
		}

		if bestID != -1 {
			tr := t.tracks[bestID]
			tr.BBox = det.BBox
			tr.ClassID = det.ClassID
			tr.ClassName = det.ClassName
			tr.LastSeen = frameNumber
			tr.Disappeared = 0
			tr.DetectionCount++
			matchedTracks[bestID] = true
			active = append(active, *tr)
			continue
		}

		newTrack := &model.Track{
			TrackID:        t.nextID,
			ClassID:        det.ClassID,
			ClassName:      det.ClassName,
			BBox:           det.BBox,
			FirstSeen:      frameNumber,
			LastSeen:       frameNumber,
			DetectionCount: 1,
		}
		t.tracks[t.nextID] = newTrack
		matchedTracks[t.nextID] = true
		active = append(active, *newTrack)
		t.nextID++
	}

	t.ageOutUnmatched(matchedTracks)
	return active
}

func (t *ObjectTracker) ageOutUnmatched(matched map[int]bool) {
	for id, tr := range t.tracks {
		if matched[id] {
			continue
		}
		tr.Disappeared++
		if tr.Disappeared > t.MaxDisappeared {
			delete(t.tracks, id)
		}
	}
}

func sortedTrackIDs(tracks map[int]*model.Track) []int {
	ids := make([]int, 0, len(tracks))
	for id := range tracks {
		ids = append(ids, id)
	}
	// Ascending order so ties in IoU favor the lowest (oldest) track id,
	// matching the reference implementation's insertion-order scan.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// GetActiveTracks returns every currently-tracked object, ascending by id.
func (t *ObjectTracker) GetActiveTracks() []model.Track {
	ids := sortedTrackIDs(t.tracks)
	out := make([]model.Track, 0, len(ids))
	for _, id := range ids {
		out = append(out, *t.tracks[id])
	}
	return out
}

// Reset clears all tracks and restarts id assignment at 1.
func (t *ObjectTracker) Reset() {
	t.tracks = map[int]*model.Track{}
	t.nextID = 1
}

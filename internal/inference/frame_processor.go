package inference

import (
	"context"
	"fmt"

	"github.com/videointel/coordinator/internal/model"
)

// Frame bundles the decoded bytes an Engine needs with the frame's
// position in the source.
type Frame struct {
	Number    int
	Timestamp float64
	Data      []byte
}

// Result is one frame's processed output.
type Result struct {
	FrameNumber    int
	Timestamp      float64
	Detections     []model.Detection
	DetectionCount int
}

// FrameProcessor wraps an Engine with sampling-rate decisions: outside
// an active event window frames are sampled at BaseFPS, inside one at
// the higher BurstFPS.
type FrameProcessor struct {
	Engine  Engine
	BaseFPS float64
	BurstFPS float64
}

// NewFrameProcessor builds a processor sampling at baseFPS normally
// and burstFPS while an event is active.
func NewFrameProcessor(engine Engine, baseFPS, burstFPS float64) *FrameProcessor {
	return &FrameProcessor{Engine: engine, BaseFPS: baseFPS, BurstFPS: burstFPS}
}

// ShouldSample decides whether frameNumber should be run through the
// engine, given the source's actual fps and whether an event is
// currently active. The reference implementation assumes a fixed
// 30fps source (`frame_number % (30 // target_fps) == 0`); this
// generalizes the stride to the source's real fps so sampling is
// correct for any frame rate (see SPEC_FULL.md §11 for why this is a
// deliberate behavior change, not a port of the original bug).
func (p *FrameProcessor) ShouldSample(frameNumber int, sourceFPS float64, eventActive bool) bool {
	target := p.BaseFPS
	if eventActive {
		target = p.BurstFPS
	}
	if target <= 0 || sourceFPS <= 0 {
		return true
	}
	stride := int(sourceFPS / target)
	if stride < 1 {
		stride = 1
	}
	return frameNumber%stride == 0
}

// Process runs the engine on one frame and converts its raw detections
// into model.Detection values.
func (p *FrameProcessor) Process(ctx context.Context, frame Frame) (Result, error) {
	raw, err := p.Engine.Detect(ctx, frame.Data)
	if err != nil {
		return Result{}, fmt.Errorf("inference: detect frame %d: %w", frame.Number, err)
	}

	detections := make([]model.Detection, 0, len(raw))
	for _, r := range raw {
		detections = append(detections, model.Detection{
			ClassID:    r.ClassID,
			ClassName:  r.ClassName,
			Confidence: r.Confidence,
			BBox:       r.BBox,
		})
	}

	return Result{
		FrameNumber:    frame.Number,
		Timestamp:      frame.Timestamp,
		Detections:     detections,
		DetectionCount: len(detections),
	}, nil
}

// ProcessBatch processes frames sequentially, as the reference
// implementation does despite its "batch" name — there is no actual
// vectorized batching at this layer.
func (p *FrameProcessor) ProcessBatch(ctx context.Context, frames []Frame) ([]Result, error) {
	results := make([]Result, 0, len(frames))
	for _, f := range frames {
		r, err := p.Process(ctx, f)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

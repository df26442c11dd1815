package inference

import "context"

// Engine runs object detection over frames. The detection model
// itself is treated as a black box; this interface lets the
// coordinator dispatch work without depending on any particular model
// runtime.
type Engine interface {
	// Detect runs inference on a single frame and returns its detections.
	Detect(ctx context.Context, frame []byte) ([]DetectionInput, error)
}

// DetectionInput is the raw shape an Engine implementation returns,
// before it is stamped with a frame number/timestamp by FrameProcessor.
type DetectionInput struct {
	ClassID    int
	ClassName  string
	Confidence float64
	BBox       [4]float64
}

// StubEngine is a deterministic CPU reference implementation used for
// tests and for running the pipeline without a real model loaded.
type StubEngine struct {
	// Detections is returned verbatim by every call to Detect.
	Detections []DetectionInput
}

func (s *StubEngine) Detect(_ context.Context, _ []byte) ([]DetectionInput, error) {
	return s.Detections, nil
}

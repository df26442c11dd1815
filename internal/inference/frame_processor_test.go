package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSampleAtBaseFPS(t *testing.T) {
	p := NewFrameProcessor(nil, 1, 5) // 1 fps base on a 30fps source -> stride 30
	assert.True(t, p.ShouldSample(0, 30, false))
	assert.False(t, p.ShouldSample(1, 30, false))
	assert.True(t, p.ShouldSample(30, 30, false))
}

func TestShouldSampleBurstsDuringEvent(t *testing.T) {
	p := NewFrameProcessor(nil, 1, 15) // burst stride = 30/15 = 2
	assert.True(t, p.ShouldSample(0, 30, true))
	assert.False(t, p.ShouldSample(1, 30, true))
	assert.True(t, p.ShouldSample(2, 30, true))
}

func TestShouldSampleNeverDividesByZero(t *testing.T) {
	p := NewFrameProcessor(nil, 0, 0)
	assert.NotPanics(t, func() { p.ShouldSample(5, 30, false) })
}

func TestProcessConvertsEngineOutput(t *testing.T) {
	engine := &StubEngine{Detections: []DetectionInput{{ClassID: 2, ClassName: "person", Confidence: 0.9, BBox: box(0, 0, 5, 5)}}}
	p := NewFrameProcessor(engine, 5, 15)

	res, err := p.Process(context.Background(), Frame{Number: 7, Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 7, res.FrameNumber)
	assert.Equal(t, 1, res.DetectionCount)
	assert.Equal(t, "person", res.Detections[0].ClassName)
}

func TestProcessBatchIsSequentialNotVectorized(t *testing.T) {
	engine := &StubEngine{Detections: []DetectionInput{{ClassID: 1}}}
	p := NewFrameProcessor(engine, 5, 15)

	results, err := p.ProcessBatch(context.Background(), []Frame{{Number: 0}, {Number: 1}, {Number: 2}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 0, results[0].FrameNumber)
	assert.Equal(t, 2, results[2].FrameNumber)
}

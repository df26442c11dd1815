package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videointel/coordinator/internal/emitter"
	"github.com/videointel/coordinator/internal/inference"
	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/queue"
	"github.com/videointel/coordinator/internal/repository"
	"github.com/videointel/coordinator/internal/rules"
	"github.com/videointel/coordinator/internal/stream"
)

type fixedDecoder struct {
	info stream.Info
}

func (d *fixedDecoder) Probe(string) (stream.Info, error) { return d.info, nil }
func (d *fixedDecoder) NextFrame(_ string, frameNumber int) ([]byte, error) {
	return []byte{byte(frameNumber)}, nil
}

// detectOnFirstFrame fires a single "person" detection on frame 0 and
// nothing thereafter, enough to exercise one rule firing per job.
type detectOnFirstFrame struct{}

func (detectOnFirstFrame) Detect(_ context.Context, data []byte) ([]inference.DetectionInput, error) {
	if len(data) > 0 && data[0] == 0 {
		return []inference.DetectionInput{{ClassID: 1, ClassName: "person", Confidence: 0.9, BBox: [4]float64{0, 0, 10, 10}}}, nil
	}
	return nil, nil
}

func newTestDispatcher(t *testing.T, o *Orchestrator, totalFrames int) *Dispatcher {
	t.Helper()

	sources := func(job *model.Job) (stream.Source, error) {
		return &stream.FileSource{
			Path:    job.SourcePath,
			Decoder: &fixedDecoder{info: stream.Info{TotalFrames: totalFrames, FPS: 2}},
		}, nil
	}
	engines := func(*model.Job) inference.Engine { return detectOnFirstFrame{} }
	ruleProvider := func(_ context.Context, cameraID string) ([]emitter.ActiveRule, error) {
		cond, err := rules.Decode(model.RawCondition{
			Type:   "required_class_present",
			Fields: map[string]any{"classes": []string{"person"}},
		})
		require.NoError(t, err)
		return []emitter.ActiveRule{{
			Rule: model.Rule{ID: "rule-1", CameraIDs: []string{cameraID}, Name: "person seen", DebounceSec: 60, Enabled: true},
			Condition: cond,
		}}, nil
	}

	return NewDispatcher(o, sources, engines, ruleProvider, emitter.New(nil), DispatcherConfig{
		Concurrency:      1,
		PollTimeout:      100 * time.Millisecond,
		ChunkDurationSec: 1,
		WorkDir:          t.TempDir(),
		BaseFPS:          2,
		BurstFPS:         2,
	})
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, status, found, err := o.GetJobStatus(context.Background(), jobID)
		require.NoError(t, err)
		if found && job != nil && job.IsTerminal() {
			return job
		}
		if found && job == nil {
			// Terminal jobs are forgotten from in-memory tracking; read
			// their final state back from the queue's status store.
			s, _ := status["status"].(string)
			if s != "" && model.Status(s).IsTerminal() {
				errMsg, _ := status["error"].(string)
				result, _ := status["result"].(map[string]any)
				return &model.Job{ID: jobID, Status: model.Status(s), Error: errMsg, Result: result}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestDispatcherRunsJobToCompletion(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30})
	d := newTestDispatcher(t, o, 4)

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, path, nil, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	finished := waitForTerminal(t, o, job.ID)
	assert.Equal(t, model.StatusCompleted, finished.Status)
	assert.Equal(t, 1, finished.Result["events"])

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcherPersistsFiredEvents(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30})
	d := newTestDispatcher(t, o, 4)
	store := repository.NewMemory()
	d.Events = store

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, path, nil, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	finished := waitForTerminal(t, o, job.ID)
	assert.Equal(t, model.StatusCompleted, finished.Status)

	events, err := store.ListEvents(ctx, repository.EventFilter{CameraID: "cam-1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "rule-1", events[0].RuleID)

	cancel()
	require.NoError(t, <-done)
}

// slowDecoder sleeps briefly on every frame so a test has a window to
// observe the job mid-processing and cancel it.
type slowDecoder struct {
	info  stream.Info
	delay time.Duration
}

func (d *slowDecoder) Probe(string) (stream.Info, error) { return d.info, nil }
func (d *slowDecoder) NextFrame(_ string, frameNumber int) ([]byte, error) {
	time.Sleep(d.delay)
	return []byte{byte(frameNumber)}, nil
}

func waitForStatus(t *testing.T, o *Orchestrator, jobID string, status model.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _, found, err := o.GetJobStatus(context.Background(), jobID)
		require.NoError(t, err)
		if found && job != nil && job.GetStatus() == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached status %s", status)
}

func TestCancelJobDuringProcessingStopsPipelineAndReleasesGPU(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30})

	sources := func(job *model.Job) (stream.Source, error) {
		return &stream.FileSource{
			Path:    job.SourcePath,
			Decoder: &slowDecoder{info: stream.Info{TotalFrames: 200, FPS: 2}, delay: 20 * time.Millisecond},
		}, nil
	}
	engines := func(*model.Job) inference.Engine { return detectOnFirstFrame{} }
	ruleProvider := func(_ context.Context, _ string) ([]emitter.ActiveRule, error) { return nil, nil }

	d := NewDispatcher(o, sources, engines, ruleProvider, emitter.New(nil), DispatcherConfig{
		Concurrency:      1,
		PollTimeout:      100 * time.Millisecond,
		ChunkDurationSec: 100,
		WorkDir:          t.TempDir(),
		BaseFPS:          2,
		BurstFPS:         2,
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, path, nil, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitForStatus(t, o, job.ID, model.StatusProcessing)

	start := time.Now()
	cancelled, err := o.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Less(t, time.Since(start), CancelGracePeriod, "cancellation observed well before the grace period elapses")
	assert.Equal(t, 1, o.GPUs.AvailableCount())

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcherFailsJobWhenNoGPUAvailable(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: false})
	d := newTestDispatcher(t, o, 2)
	d.Config.MaxGPUWaitRetries = 1
	d.Config.GPUWaitBackoff = 10 * time.Millisecond

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, path, nil, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	finished := waitForTerminal(t, o, job.ID)
	assert.Equal(t, model.StatusFailed, finished.Status)
	assert.Contains(t, finished.Error, "no gpu available")

	cancel()
	require.NoError(t, <-done)
}

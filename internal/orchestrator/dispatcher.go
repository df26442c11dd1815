package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/videointel/coordinator/internal/chunk"
	"github.com/videointel/coordinator/internal/emitter"
	"github.com/videointel/coordinator/internal/gpu"
	"github.com/videointel/coordinator/internal/inference"
	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/queue"
	"github.com/videointel/coordinator/internal/rules"
	"github.com/videointel/coordinator/internal/stream"
)

// EventSink persists events an emitter has fired, the durable
// counterpart to the dispatcher's per-job event count. A narrow
// interface rather than the full repository.Store so the dispatcher
// doesn't need to depend on the whole storage contract.
type EventSink interface {
	CreateEvent(ctx context.Context, evt model.Event) (model.Event, error)
}

// SourceFactory opens the frame source for a job, dispatching on its
// SourceType.
type SourceFactory func(job *model.Job) (stream.Source, error)

// RuleProvider returns the currently active, decoded rules for a
// camera.
type RuleProvider func(ctx context.Context, cameraID string) ([]emitter.ActiveRule, error)

// EngineFactory builds a fresh inference engine for a job. Most
// deployments share one loaded model across jobs; this stays a
// factory so tests can hand back a inference.StubEngine per job
// without shared state leaking between them.
type EngineFactory func(job *model.Job) inference.Engine

// DispatcherConfig configures a Dispatcher's pipeline parameters.
type DispatcherConfig struct {
	Concurrency       int64         // max jobs processed in parallel
	PollTimeout       time.Duration // Dequeue block timeout
	ChunkDurationSec  float64
	WorkDir           string // base dir for per-job chunk manifests
	BaseFPS           float64
	BurstFPS          float64
	ClipPadFrames     int
	MaxGPUWaitRetries int
	GPUWaitBackoff    time.Duration
}

func (c *DispatcherConfig) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.ChunkDurationSec <= 0 {
		c.ChunkDurationSec = 10
	}
	if c.BaseFPS <= 0 {
		c.BaseFPS = 1
	}
	if c.BurstFPS <= 0 {
		c.BurstFPS = 5
	}
	if c.MaxGPUWaitRetries <= 0 {
		c.MaxGPUWaitRetries = 3
	}
	if c.GPUWaitBackoff <= 0 {
		c.GPUWaitBackoff = defaultGPUWaitBackoff
	}
}

// Dispatcher drains the job queue and runs each job's chunked
// inference pipeline, bounded by a weighted semaphore the way the
// teacher's encode pipeline bounds parallel chunk workers.
type Dispatcher struct {
	Orchestrator *Orchestrator
	Sources      SourceFactory
	Engines      EngineFactory
	Rules        RuleProvider
	Emitter      *emitter.Emitter
	Config       DispatcherConfig

	// Events persists fired rule events. Left nil, events are still
	// counted on the job result but never stored, which is fine for
	// tests that don't care about the events API. Set after
	// construction so existing call sites are unaffected.
	Events EventSink

	sem *semaphore.Weighted
	log *logrus.Logger
}

// NewDispatcher builds a Dispatcher. cfg's zero-valued fields take
// package defaults.
func NewDispatcher(o *Orchestrator, sources SourceFactory, engines EngineFactory, ruleProvider RuleProvider, em *emitter.Emitter, cfg DispatcherConfig) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{
		Orchestrator: o,
		Sources:      sources,
		Engines:      engines,
		Rules:        ruleProvider,
		Emitter:      em,
		Config:       cfg,
		sem:          semaphore.NewWeighted(cfg.Concurrency),
		log:          o.Log,
	}
}

// Run drains the queue until ctx is cancelled, spawning one bounded
// worker goroutine per dequeued job. When Dequeue reports
// queue.ErrUnreachable, Run waits for in-flight jobs and returns that
// error; other dequeue errors are logged and the loop continues, and
// individual job failures are recorded on the job, not surfaced here.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for {
		env, err := d.Orchestrator.Queue.Dequeue(ctx, d.Config.PollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, queue.ErrUnreachable) {
				_ = g.Wait()
				return err
			}
			d.log.WithError(err).Warn("dispatcher: dequeue error")
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}

		envCopy := env
		g.Go(func() error {
			defer d.sem.Release(1)
			d.processEnvelope(ctx, envCopy)
			return nil
		})
	}

	return g.Wait()
}

// errDeadlineExceeded marks a job pipeline stopped because its own
// per-job deadline (not the process-wide dispatcher context) expired.
var errDeadlineExceeded = errors.New("dispatcher: job deadline exceeded")

// jobDeadline reads an optional absolute deadline (Unix milliseconds)
// from job.Metadata["deadline_ms"], carried there by whatever
// submitted the job. Handles both shapes the value can arrive in: a
// plain int/int64 when the job never left process memory, or a
// float64 when it round-tripped through the Redis queue's JSON
// envelope — the same dual-type situation metadataInt handles for
// chunk boundaries.
func jobDeadline(job *model.Job) (time.Time, bool) {
	switch v := job.Metadata["deadline_ms"].(type) {
	case int:
		return time.UnixMilli(int64(v)), true
	case int64:
		return time.UnixMilli(v), true
	case float64:
		return time.UnixMilli(int64(v)), true
	default:
		return time.Time{}, false
	}
}

// processEnvelope rehydrates a job from its envelope, assigns it a GPU
// (retrying with backoff until it succeeds, its deadline expires, or
// the dispatcher is shutting down), and runs its pipeline to
// completion, failure or cancellation.
func (d *Dispatcher) processEnvelope(ctx context.Context, env queue.Envelope) {
	job := model.NewWithID(env.ID, env.CameraID, env.SourceType, env.SourcePath, env.Priority, env.Metadata)

	d.Orchestrator.mu.Lock()
	if existing, ok := d.Orchestrator.active[job.ID]; ok {
		job = existing
	} else {
		d.Orchestrator.active[job.ID] = job
	}
	d.Orchestrator.mu.Unlock()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.Orchestrator.registerCancel(job.ID, cancel)
	defer d.Orchestrator.unregisterCancel(job.ID)

	// runCtx bounds the whole job (GPU wait + pipeline) by its explicit
	// deadline, if one was set in metadata. Without one, runCtx carries
	// no deadline of its own: only cancellation (shutdown or CancelJob)
	// can stop a job's processing once it's running.
	runCtx := jobCtx
	if deadline, ok := jobDeadline(job); ok {
		var runCancel context.CancelFunc
		runCtx, runCancel = context.WithDeadline(jobCtx, deadline)
		defer runCancel()
	}

	// gpuWaitCtx additionally backstops the GPU-wait loop for jobs with
	// no explicit deadline, derived from the configured retry budget, so
	// a job with no GPU ever showing up doesn't wait forever — it still
	// surfaces as a deadline failure, per §7, rather than a bare retry
	// exhaustion.
	gpuWaitCtx := runCtx
	if _, hasDeadline := jobDeadline(job); !hasDeadline {
		var gpuWaitCancel context.CancelFunc
		backstop := time.Now().Add(time.Duration(d.Config.MaxGPUWaitRetries) * d.Config.GPUWaitBackoff)
		gpuWaitCtx, gpuWaitCancel = context.WithDeadline(runCtx, backstop)
		defer gpuWaitCancel()
	}

	var slot *model.GPUSlot
	var err error
	for {
		slot, err = d.Orchestrator.AssignJobToGPU(gpuWaitCtx, job)
		if err == nil {
			break
		}
		if !errors.Is(err, gpu.ErrNoGPUAvailable) {
			d.fail(ctx, job, err)
			return
		}
		select {
		case <-gpuWaitCtx.Done():
			if errors.Is(gpuWaitCtx.Err(), context.DeadlineExceeded) {
				d.fail(ctx, job, fmt.Errorf("%w: no gpu available before deadline", errDeadlineExceeded))
				return
			}
			// Canceled: either CancelJob fired (ctx, the dispatcher's own
			// run-loop context, is still alive) or the dispatcher itself
			// is shutting down (ctx is also done).
			if ctx.Err() == nil {
				d.cancelComplete(ctx, job)
			}
			return
		case <-time.After(d.Config.GPUWaitBackoff):
		}
	}

	if err := job.Start(); err != nil {
		d.fail(ctx, job, err)
		return
	}

	result, err := d.runPipeline(runCtx, job, *slot)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.fail(ctx, job, fmt.Errorf("%w: %v", errDeadlineExceeded, err))
			return
		}
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			d.cancelComplete(ctx, job)
			return
		}
		d.fail(ctx, job, err)
		return
	}

	if err := d.Orchestrator.CompleteJob(ctx, job, result); err != nil {
		d.log.WithError(err).WithField("job_id", job.ID).Error("dispatcher: failed to mark job complete")
	}
	d.Orchestrator.forget(job.ID)
}

func (d *Dispatcher) fail(ctx context.Context, job *model.Job, cause error) {
	d.log.WithError(cause).WithField("job_id", job.ID).Error("dispatcher: job pipeline failed")
	if err := d.Orchestrator.FailJob(ctx, job, cause.Error()); err != nil {
		d.log.WithError(err).WithField("job_id", job.ID).Error("dispatcher: failed to mark job failed")
	}
	d.Orchestrator.forget(job.ID)
}

// cancelComplete marks job cancelled after its pipeline observed a
// CancelJob-triggered context cancellation, as opposed to the
// dispatcher itself shutting down.
func (d *Dispatcher) cancelComplete(ctx context.Context, job *model.Job) {
	if err := d.Orchestrator.CompleteCancel(ctx, job); err != nil {
		d.log.WithError(err).WithField("job_id", job.ID).Error("dispatcher: failed to mark job cancelled")
	}
	d.Orchestrator.forget(job.ID)
}

// chunkRange reports the frame range a job is scoped to when it was
// created by the ingestion upload handler's one-job-per-chunk split
// (metadata carries start_frame/end_frame). Stream jobs and any job
// lacking this metadata fall back to processing everything the source
// reports, one implicit whole-source chunk at a time.
//
// metadataInt handles both shapes the value can arrive in: a plain
// int when the job never left process memory (the in-memory queue
// backend), or a float64 when it round-tripped through JSON (the
// Redis queue backend).
func chunkRange(job *model.Job) (start, end int, ok bool) {
	startI, okStart := metadataInt(job.Metadata["start_frame"])
	endI, okEnd := metadataInt(job.Metadata["end_frame"])
	if !okStart || !okEnd {
		return 0, 0, false
	}
	return startI, endI, true
}

func metadataInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// runPipeline opens the job's source, plans and resumes its chunks
// (or, for a job scoped to a single upload chunk, processes just that
// frame range), and runs sampled frames through detection, tracking
// and rule evaluation, accumulating events along the way.
func (d *Dispatcher) runPipeline(ctx context.Context, job *model.Job, slot model.GPUSlot) (map[string]any, error) {
	src, err := d.Sources(job)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open source: %w", err)
	}
	if err := src.Open(ctx); err != nil {
		return nil, fmt.Errorf("dispatcher: open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	info := src.GetInfo()

	var chunks []model.Chunk
	var manifest *chunk.Manifest
	if start, end, ok := chunkRange(job); ok {
		chunks = []model.Chunk{{JobID: job.ID, Idx: 0, StartFrame: start, EndFrame: end, OriginalFile: job.SourcePath}}
	} else {
		chunks = chunk.Plan(job.ID, job.SourcePath, info.TotalFrames, info.FPS, d.Config.ChunkDurationSec)
		workDir := chunk.WorkDirName(d.Config.WorkDir, job.ID)
		manifest, err = chunk.OpenManifest(workDir)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: open manifest: %w", err)
		}
		chunks = manifest.Remaining(chunks)
	}
	remaining := chunks

	activeRules, err := d.Rules(ctx, job.CameraID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: load rules for camera %s: %w", job.CameraID, err)
	}

	processor := inference.NewFrameProcessor(d.Engines(job), d.Config.BaseFPS, d.Config.BurstFPS)
	tracker := inference.NewObjectTracker(inference.DefaultMaxDisappeared, inference.DefaultIoUThreshold)

	var framesProcessed, detections, eventCount int
	eventActive := false

	processFrame := func(num int, data []byte) error {
		if !processor.ShouldSample(num, info.FPS, eventActive) {
			return nil
		}
		result, err := processor.Process(ctx, inference.Frame{Number: num, Data: data})
		if err != nil {
			return fmt.Errorf("dispatcher: process frame %d: %w", num, err)
		}
		framesProcessed++
		detections += result.DetectionCount

		tracks := tracker.Update(result.Detections, num)
		frame := rules.Frame{FrameNumber: num, Detections: result.Detections, Tracks: tracks}

		events, err := d.Emitter.Evaluate(ctx, activeRules, frame, job.CameraID, job.ID, job.SourcePath, info.FPS, d.Config.ClipPadFrames, info.TotalFrames)
		if err != nil {
			return fmt.Errorf("dispatcher: evaluate rules frame %d: %w", num, err)
		}
		if len(events) > 0 {
			eventActive = true
			eventCount += len(events)
			if d.Events != nil {
				for _, evt := range events {
					if _, err := d.Events.CreateEvent(ctx, evt); err != nil {
						d.log.WithError(err).WithField("job_id", job.ID).Warn("dispatcher: failed to persist event")
					}
				}
			}
		}
		return nil
	}

	// Live/unbounded sources (TotalFrames == 0) have no chunk plan to
	// walk: read until the stream ends or the job is cancelled, treating
	// the whole job as a single continuous stream.
	if info.TotalFrames == 0 && len(remaining) == 0 {
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			num, data, err := src.ReadFrame(ctx)
			if err != nil {
				if errors.Is(err, stream.ErrEndOfStream) {
					break
				}
				return nil, fmt.Errorf("dispatcher: read frame: %w", err)
			}
			if err := processFrame(num, data); err != nil {
				return nil, err
			}
		}
		return map[string]any{
			"frames_processed": framesProcessed,
			"detections":       detections,
			"events":           eventCount,
			"gpu_id":           slot.ID,
			"chunks":           0,
		}, nil
	}

	for _, ch := range remaining {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if seeker, ok := src.(interface{ SeekTo(int) }); ok {
			seeker.SeekTo(ch.StartFrame)
		}

		for frameNumber := ch.StartFrame; frameNumber < ch.EndFrame; frameNumber++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			num, data, err := src.ReadFrame(ctx)
			if err != nil {
				return nil, fmt.Errorf("dispatcher: read frame %d: %w", frameNumber, err)
			}
			if err := processFrame(num, data); err != nil {
				return nil, err
			}
		}

		if manifest != nil {
			if err := manifest.MarkDone(ch.Idx, ch.Frames()); err != nil {
				return nil, fmt.Errorf("dispatcher: mark chunk %d done: %w", ch.Idx, err)
			}
		}
	}

	return map[string]any{
		"frames_processed": framesProcessed,
		"detections":       detections,
		"events":           eventCount,
		"gpu_id":           slot.ID,
		"chunks":           len(chunks),
	}, nil
}

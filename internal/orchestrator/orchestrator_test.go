package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videointel/coordinator/internal/gpu"
	"github.com/videointel/coordinator/internal/model"
	"github.com/videointel/coordinator/internal/queue"
)

func newTestOrchestrator(slots ...model.GPUSlot) *Orchestrator {
	return New(queue.NewMemory(), gpu.NewStaticRegistry(slots), nil)
}

func TestCreateJobEnqueuesAndTracks(t *testing.T) {
	o := newTestOrchestrator()
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/clip.mp4", nil, 5)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.GetStatus())

	n, err := o.Queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _, found, err := o.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.ID, got.ID)
}

func TestAssignJobToGPUSucceedsAndReleasesOnComplete(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30, UtilizationPct: 10})
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/clip.mp4", nil, 0)
	require.NoError(t, err)

	slot, err := o.AssignJobToGPU(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.ID)
	assert.Equal(t, model.StatusAssigned, job.GetStatus())
	assert.Equal(t, 0, o.GPUs.AvailableCount())

	require.NoError(t, job.Start())
	require.NoError(t, o.CompleteJob(ctx, job, map[string]any{"frames": 10}))
	assert.Equal(t, model.StatusCompleted, job.GetStatus())
	assert.Equal(t, 1, o.GPUs.AvailableCount())
}

func TestAssignJobToGPUFailsWhenNoneAvailable(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: false})
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/clip.mp4", nil, 0)
	require.NoError(t, err)

	_, err = o.AssignJobToGPU(ctx, job)
	assert.ErrorIs(t, err, gpu.ErrNoGPUAvailable)
	assert.Equal(t, model.StatusPending, job.GetStatus())
}

func TestFailJobReleasesGPU(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30})
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/clip.mp4", nil, 0)
	require.NoError(t, err)
	_, err = o.AssignJobToGPU(ctx, job)
	require.NoError(t, err)

	require.NoError(t, o.FailJob(ctx, job, "decode error"))
	assert.Equal(t, model.StatusFailed, job.GetStatus())
	assert.Equal(t, "decode error", job.Error)
	assert.Equal(t, 1, o.GPUs.AvailableCount())
}

func TestGetQueueStats(t *testing.T) {
	o := newTestOrchestrator(
		model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30},
		model.GPUSlot{ID: 1, Available: false},
	)
	ctx := context.Background()

	_, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/a.mp4", nil, 0)
	require.NoError(t, err)
	_, err = o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/b.mp4", nil, 0)
	require.NoError(t, err)

	stats, err := o.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.QueueLength)
	assert.Equal(t, 2, stats.ActiveJobs)
	assert.Equal(t, 2, stats.GPUCount)
	assert.Equal(t, 1, stats.AvailableGPUs)
}

func TestCancelJobCancelsPendingJobImmediately(t *testing.T) {
	o := newTestOrchestrator()
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/clip.mp4", nil, 0)
	require.NoError(t, err)

	cancelled, err := o.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	got, status, found, err := o.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "a cancelled job should be forgotten from in-memory tracking")
	assert.True(t, found)
	assert.Equal(t, "cancelled", status["status"])
}

func TestCancelJobUnknownIDReturnsNotFound(t *testing.T) {
	o := newTestOrchestrator()
	_, err := o.CancelJob(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelJobProcessingJobWaitsForCooperativeCancel(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30})
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/clip.mp4", nil, 0)
	require.NoError(t, err)
	_, err = o.AssignJobToGPU(ctx, job)
	require.NoError(t, err)
	require.NoError(t, job.Start())

	observed := make(chan struct{})

	// Simulate the dispatcher pipeline observing cancellation and
	// completing the cancel shortly after CancelJob signals it.
	go func() {
		<-observed
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, o.CompleteCancel(ctx, job))
	}()

	o.registerCancel(job.ID, func() { close(observed) })

	cancelled, err := o.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, 1, o.GPUs.AvailableCount())
}

func TestCancelJobAbortsIfCallerContextExpires(t *testing.T) {
	o := newTestOrchestrator(model.GPUSlot{ID: 0, Available: true, MemoryFree: 4 << 30})
	ctx := context.Background()

	job, err := o.CreateJob(ctx, "cam-1", model.SourceFile, "/tmp/clip.mp4", nil, 0)
	require.NoError(t, err)
	_, err = o.AssignJobToGPU(ctx, job)
	require.NoError(t, err)
	require.NoError(t, job.Start())

	// A pipeline that never observes cancellation, combined with a
	// caller context that expires well before CancelGracePeriod: the
	// wait loop must return the caller's error rather than block for
	// the full 30s grace period.
	o.registerCancel(job.ID, func() {})

	shortCtx, shortCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer shortCancel()
	_, err = o.CancelJob(shortCtx, job.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestGetJobStatusFallsBackToQueueStatusStore(t *testing.T) {
	o := newTestOrchestrator()
	ctx := context.Background()

	require.NoError(t, o.Queue.SetStatus(ctx, "external-job", map[string]any{"status": "completed"}))

	job, status, found, err := o.GetJobStatus(ctx, "external-job")
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, job)
	assert.Equal(t, "completed", status["status"])
}

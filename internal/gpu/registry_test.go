package gpu

import (
	"context"
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videointel/coordinator/internal/model"
)

type fakeDevice struct {
	name        string
	free, total uint64
	util        uint32
	temp        uint32
}

func (f fakeDevice) GetName() (string, nvml.Return) { return f.name, nvml.SUCCESS }
func (f fakeDevice) GetMemoryInfo() (nvml.Memory, nvml.Return) {
	return nvml.Memory{Total: f.total, Free: f.free, Used: f.total - f.free}, nvml.SUCCESS
}
func (f fakeDevice) GetUtilizationRates() (nvml.Utilization, nvml.Return) {
	return nvml.Utilization{Gpu: f.util}, nvml.SUCCESS
}
func (f fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	return f.temp, nvml.SUCCESS
}

func newTestRegistry(devices ...fakeDevice) *Registry {
	r := newEmptyRegistry()
	for i, d := range devices {
		r.addDevice(i, d)
	}
	r.RefreshAll()
	return r
}

func TestAcquirePicksLowestIDAmongEligible(t *testing.T) {
	r := newTestRegistry(
		fakeDevice{name: "gpu0", free: 1 << 30, total: 8 << 30, util: 10},
		fakeDevice{name: "gpu1", free: 8 << 30, total: 8 << 30, util: 5},
	)

	slot, err := r.Acquire(context.Background(), 1<<29)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.ID)
	assert.False(t, slot.Available)

	// gpu0 is now busy; next acquire must skip it.
	slot2, err := r.Acquire(context.Background(), 1<<29)
	require.NoError(t, err)
	assert.Equal(t, 1, slot2.ID)
}

func TestAcquireExcludesOverUtilizedGPU(t *testing.T) {
	r := newTestRegistry(fakeDevice{name: "gpu0", free: 8 << 30, total: 8 << 30, util: 95})
	_, err := r.Acquire(context.Background(), 1<<20)
	assert.ErrorIs(t, err, ErrNoGPUAvailable)
}

func TestAcquireAllowsExactlyAtUtilizationCeiling(t *testing.T) {
	r := newTestRegistry(fakeDevice{name: "gpu0", free: 8 << 30, total: 8 << 30, util: UtilizationCeiling})
	slot, err := r.Acquire(context.Background(), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.ID)
}

func TestAcquireExcludesInsufficientFreeMemory(t *testing.T) {
	r := newTestRegistry(fakeDevice{name: "gpu0", free: 1 << 20, total: 8 << 30, util: 0})
	_, err := r.Acquire(context.Background(), 1<<30)
	assert.ErrorIs(t, err, ErrNoGPUAvailable)
}

func TestReleaseMakesGPUEligibleAgain(t *testing.T) {
	r := newTestRegistry(fakeDevice{name: "gpu0", free: 8 << 30, total: 8 << 30, util: 0})
	_, err := r.Acquire(context.Background(), 1<<20)
	require.NoError(t, err)

	_, err = r.Acquire(context.Background(), 1<<20)
	assert.ErrorIs(t, err, ErrNoGPUAvailable)

	r.Release(0)
	slot, err := r.Acquire(context.Background(), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, 0, slot.ID)
}

func TestEmptyRegistryDegradesGracefully(t *testing.T) {
	r := newEmptyRegistry()
	_, err := r.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoGPUAvailable)
	assert.Equal(t, 0, r.AvailableCount())
	assert.Empty(t, r.All())
}

func TestSelectCandidateTieBreaksOnLowestID(t *testing.T) {
	slots := []model.GPUSlot{
		{ID: 2, Available: true, MemoryFree: 1 << 30, UtilizationPct: 0},
		{ID: 0, Available: true, MemoryFree: 1 << 30, UtilizationPct: 0},
		{ID: 1, Available: true, MemoryFree: 1 << 30, UtilizationPct: 0},
	}
	chosen, ok := selectCandidate(slots, 1<<20)
	require.True(t, ok)
	assert.Equal(t, 0, chosen.ID)
}

// Package gpu discovers local NVIDIA accelerators and hands out
// advisory allocations to the orchestrator, applying the same
// resource-capping budget idea used for CPU-memory worker limits to
// "which GPU has room for one more job".
package gpu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/videointel/coordinator/internal/model"
)

// UtilizationCeiling is the maximum utilization percentage (inclusive)
// a GPU may be at and still be offered — ported from the reference
// implementation's `if utilization > 90: continue`.
const UtilizationCeiling = 90

// ErrNoGPUAvailable is returned by Acquire when no GPU currently meets
// the free-memory/utilization policy.
var ErrNoGPUAvailable = errors.New("gpu: no gpu available")

// device is the slice of NVML's device API this package depends on,
// narrowed so tests can substitute a fake without faking the rest of
// nvml.Device.
type device interface {
	GetName() (string, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
}

// Registry tracks the locally visible GPUs and their advisory
// availability. It degrades to an empty, CPU-only registry if NVML
// cannot be initialized, rather than treating that as fatal.
type Registry struct {
	mu      sync.RWMutex
	slots   map[int]*model.GPUSlot
	devices map[int]device
	nvmlOK  bool
}

// NewRegistry probes for NVIDIA GPUs via NVML. A probe failure (no
// driver, no devices, library missing) degrades to an empty registry
// instead of returning an error, matching the reference
// implementation's ImportError fallback.
func NewRegistry() *Registry {
	r := newEmptyRegistry()
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return r
	}
	r.nvmlOK = true

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return r
	}
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		r.addDevice(i, dev)
	}
	r.RefreshAll()
	return r
}

func newEmptyRegistry() *Registry {
	return &Registry{
		slots:   map[int]*model.GPUSlot{},
		devices: map[int]device{},
	}
}

// NewStaticRegistry builds a registry over a fixed, caller-supplied
// slot list rather than probing NVML — for CPU-only deployments that
// want to advertise externally-managed accelerators, and for tests
// that need deterministic GPU availability. RefreshAll is a no-op on
// a static registry since there is no backing device to re-probe.
func NewStaticRegistry(slots []model.GPUSlot) *Registry {
	r := newEmptyRegistry()
	for _, s := range slots {
		slot := s
		r.slots[slot.ID] = &slot
	}
	return r
}

func (r *Registry) addDevice(id int, dev device) {
	name, _ := dev.GetName()
	r.devices[id] = dev
	r.slots[id] = &model.GPUSlot{ID: id, Name: name, Available: true}
}

// Shutdown releases NVML resources. NVML has no meaningful shutdown
// error path worth propagating; callers may ignore it.
func (r *Registry) Shutdown() error {
	if !r.nvmlOK {
		return nil
	}
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("gpu: nvml shutdown: %v", ret)
	}
	return nil
}

// RefreshAll re-probes every known GPU's memory, utilization and
// temperature.
func (r *Registry) RefreshAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, dev := range r.devices {
		slot := r.slots[id]
		if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
			slot.MemoryTotal = mem.Total
			slot.MemoryUsed = mem.Used
			slot.MemoryFree = mem.Free
		}
		if util, ret := dev.GetUtilizationRates(); ret == nvml.SUCCESS {
			slot.UtilizationPct = int(util.Gpu)
		}
		if temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			slot.TemperatureC = int(temp)
		}
		slot.LastUpdate = time.Now().UTC()
	}
}

// selectCandidate picks the lowest-id GPU meeting the free-memory and
// utilization policy. Pure function over a slot snapshot so the
// allocation policy can be unit tested without real hardware.
func selectCandidate(slots []model.GPUSlot, minMemoryBytes uint64) (model.GPUSlot, bool) {
	sorted := make([]model.GPUSlot, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, slot := range sorted {
		if !slot.Available {
			continue
		}
		if slot.MemoryFree < minMemoryBytes {
			continue
		}
		if slot.UtilizationPct > UtilizationCeiling {
			continue
		}
		return slot, true
	}
	return model.GPUSlot{}, false
}

// Acquire refreshes all GPUs then returns the lowest-id GPU meeting
// the free-memory and utilization policy, marking it busy. Refreshing
// on every call (rather than relying on a cached snapshot) matches the
// reference implementation's get_available_gpu behavior.
func (r *Registry) Acquire(_ context.Context, minMemoryBytes uint64) (*model.GPUSlot, error) {
	r.RefreshAll()

	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]model.GPUSlot, 0, len(r.slots))
	for _, slot := range r.slots {
		snapshot = append(snapshot, *slot)
	}

	candidate, ok := selectCandidate(snapshot, minMemoryBytes)
	if !ok {
		return nil, ErrNoGPUAvailable
	}
	r.slots[candidate.ID].Available = false
	chosen := *r.slots[candidate.ID]
	return &chosen, nil
}

// Release marks gpuID available again.
func (r *Registry) Release(gpuID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.slots[gpuID]; ok {
		slot.Available = true
	}
}

// Get returns a snapshot of one GPU's state.
func (r *Registry) Get(gpuID int) (model.GPUSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[gpuID]
	if !ok {
		return model.GPUSlot{}, false
	}
	return *slot, true
}

// All returns a snapshot of every known GPU, ordered by id.
func (r *Registry) All() []model.GPUSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.GPUSlot, 0, len(r.slots))
	for _, slot := range r.slots {
		out = append(out, *slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableCount returns how many GPUs currently report available.
func (r *Registry) AvailableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, slot := range r.slots {
		if slot.Available {
			n++
		}
	}
	return n
}

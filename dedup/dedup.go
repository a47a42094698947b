// Package dedup provides in-memory per-device duplicate suppression keyed on
// the device-local message counter.
//
// The index lives for the lifetime of the process. It is not persisted and
// not coordinated across gateways; a counter that re-appears after eviction
// is accepted as fresh. Device counter spaces are small enough in practice
// that the retained window covers them.
package dedup

import (
	"sync"

	"github.com/c360/fleetgate/wire"
)

// Result is the outcome of observing a counter.
type Result int

const (
	// Fresh means the counter had not been observed and is now recorded.
	Fresh Result = iota
	// Duplicate means the counter was already recorded; state is unchanged.
	Duplicate
)

// String returns the string representation of Result
func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

// Index maps device ids to their recently observed counters. Observations on
// the same device are serialized by a per-device lock; different devices do
// not contend beyond the brief lookup of their entry.
type Index struct {
	mu        sync.RWMutex
	devices   map[wire.DeviceID]*deviceEntry
	maxPerDev int
}

type deviceEntry struct {
	mu       sync.Mutex
	counters map[uint16]struct{}
}

// NewIndex creates an index retaining at most maxPerDevice counters per
// device. A non-positive cap falls back to 1000.
func NewIndex(maxPerDevice int) *Index {
	if maxPerDevice <= 0 {
		maxPerDevice = 1000
	}
	return &Index{
		devices:   make(map[wire.DeviceID]*deviceEntry),
		maxPerDev: maxPerDevice,
	}
}

// Observe records the counter for the device and reports whether it was
// fresh. The lookup/insert pair is atomic per device.
func (ix *Index) Observe(id wire.DeviceID, counter uint16) Result {
	entry := ix.entry(id)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, seen := entry.counters[counter]; seen {
		return Duplicate
	}

	entry.counters[counter] = struct{}{}

	// Counters are monotone per device, so evicting the numerically smallest
	// approximates oldest-first without tracking timestamps.
	for len(entry.counters) > ix.maxPerDev {
		min := uint16(0)
		first := true
		for c := range entry.counters {
			if first || c < min {
				min = c
				first = false
			}
		}
		delete(entry.counters, min)
	}

	return Fresh
}

// Seen reports whether the counter is currently retained for the device,
// without mutating state.
func (ix *Index) Seen(id wire.DeviceID, counter uint16) bool {
	ix.mu.RLock()
	entry, ok := ix.devices[id]
	ix.mu.RUnlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	_, seen := entry.counters[counter]
	return seen
}

// Devices returns the number of devices currently tracked.
func (ix *Index) Devices() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.devices)
}

// Len returns the number of counters retained for the device.
func (ix *Index) Len(id wire.DeviceID) int {
	ix.mu.RLock()
	entry, ok := ix.devices[id]
	ix.mu.RUnlock()
	if !ok {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.counters)
}

func (ix *Index) entry(id wire.DeviceID) *deviceEntry {
	ix.mu.RLock()
	entry, ok := ix.devices[id]
	ix.mu.RUnlock()
	if ok {
		return entry
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if entry, ok = ix.devices[id]; ok {
		return entry
	}
	entry = &deviceEntry{counters: make(map[uint16]struct{})}
	ix.devices[id] = entry
	return entry
}

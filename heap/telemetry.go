// SPDX-License-Identifier: Unlicense OR MIT

package heap

// Telemetry is a snapshot of the allocation counters of a Heap. Byte
// counts are in requested bytes, not including headers or padding.
type Telemetry struct {
	TotalAllocations   uint64
	TotalDeallocations uint64
	BytesAllocated     uint64
	BytesFreed         uint64
	PeakUsage          uint64
	CurrentUsage       uint64
}

func (t *Telemetry) recordAlloc(n uint64) {
	t.TotalAllocations++
	t.grow(n)
}

func (t *Telemetry) recordFree(n uint64) {
	t.TotalDeallocations++
	t.shrink(n)
}

// grow accounts n more live bytes without a new allocation.
func (t *Telemetry) grow(n uint64) {
	t.BytesAllocated += n
	t.CurrentUsage += n
	if t.CurrentUsage > t.PeakUsage {
		t.PeakUsage = t.CurrentUsage
	}
}

func (t *Telemetry) shrink(n uint64) {
	t.BytesFreed += n
	t.CurrentUsage -= n
}

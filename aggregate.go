//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrace

import (
	"math"
	"math/bits"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SnapshotAllocationAggregator reduces an allocation stream to the set of
// allocations that are live at the current point of the stream. Simple
// allocations live in a pointer map; ranged allocations live in an interval
// tree so partial deallocation is respected.
type SnapshotAllocationAggregator struct {
	ptrs   map[uint64]Allocation
	ranges IntervalTree[Allocation]
}

func NewSnapshotAllocationAggregator() *SnapshotAllocationAggregator {
	return &SnapshotAllocationAggregator{ptrs: make(map[uint64]Allocation)}
}

// Process consumes one allocation event in stream order.
func (a *SnapshotAllocationAggregator) Process(alloc Allocation) {
	switch alloc.Allocator.Class() {
	case SimpleAllocator:
		a.ptrs[alloc.Address] = alloc
	case SimpleDeallocator:
		delete(a.ptrs, alloc.Address)
	case RangedAllocator:
		a.ranges.Add(alloc.Address, alloc.Size, alloc)
	case RangedDeallocator:
		a.ranges.Remove(alloc.Address, alloc.Size)
	}
}

// Snapshot groups the live allocations by location, summing sizes and
// counts. For ranged allocations the size is the sum of the surviving
// sub-intervals.
func (a *SnapshotAllocationAggregator) Snapshot(mergeThreads bool) map[LocationKey]Allocation {
	out := make(map[LocationKey]Allocation)
	accumulate := func(alloc Allocation, size uint64) {
		key := alloc.Key(mergeThreads)
		agg, ok := out[key]
		if !ok {
			agg = alloc
			agg.Size = 0
			agg.NAllocations = 0
			if mergeThreads {
				agg.TID = 0
			}
		}
		agg.Size += size
		agg.NAllocations++
		out[key] = agg
	}
	for _, alloc := range a.ptrs {
		accumulate(alloc, alloc.Size)
	}
	a.ranges.Each(func(iv Interval, alloc Allocation) {
		accumulate(alloc, iv.Size())
	})
	return out
}

// HeapSize is the total number of live bytes at the current point.
func (a *SnapshotAllocationAggregator) HeapSize() uint64 {
	total := a.ranges.TotalBytes()
	for _, alloc := range a.ptrs {
		total += alloc.Size
	}
	return total
}

// usageHistory tracks one location's contribution to the heap high water
// mark: the part committed to the last peak the location knows about, and
// the deltas accumulated since. Deltas are folded into the committed part
// the first time the location is touched after a newer peak is finalized.
type usageHistory struct {
	lastKnownPeak uint64
	peakBytes     uint64
	peakCount     uint64
	sinceBytes    int64
	sinceCount    int64
}

// rangedUsage carries a ranged allocation through partial deallocations:
// only the removal of the last surviving byte decrements the allocation
// count.
type rangedUsage struct {
	alloc     Allocation
	remaining uint64
}

// HighWaterMarkAggregator watches the running heap size and attributes the
// high water mark to locations. A peak is finalized when the heap size
// strictly decreases after reaching a new maximum; per-location deltas are
// folded lazily, so the hot path stays O(1) in the number of locations.
type HighWaterMarkAggregator struct {
	currentHeap uint64
	maxSeen     uint64
	peakIndex   uint64
	pendingPeak bool

	usage  map[LocationKey]*usageHistory
	ptrs   map[uint64]Allocation
	ranges IntervalTree[*rangedUsage]
}

func NewHighWaterMarkAggregator() *HighWaterMarkAggregator {
	return &HighWaterMarkAggregator{
		usage: make(map[LocationKey]*usageHistory),
		ptrs:  make(map[uint64]Allocation),
	}
}

// Process consumes one allocation event in stream order.
func (a *HighWaterMarkAggregator) Process(alloc Allocation) {
	switch alloc.Allocator.Class() {
	case SimpleAllocator:
		a.ptrs[alloc.Address] = alloc
		a.recordDelta(alloc.Key(false), int64(alloc.Size), 1)
	case SimpleDeallocator:
		old, ok := a.ptrs[alloc.Address]
		if !ok {
			return // freeing memory allocated before tracking began
		}
		delete(a.ptrs, alloc.Address)
		a.recordDelta(old.Key(false), -int64(old.Size), -1)
	case RangedAllocator:
		a.ranges.Add(alloc.Address, alloc.Size, &rangedUsage{alloc: alloc, remaining: alloc.Size})
		a.recordDelta(alloc.Key(false), int64(alloc.Size), 1)
	case RangedDeallocator:
		for _, removed := range a.ranges.Remove(alloc.Address, alloc.Size) {
			ru := removed.Value
			ru.remaining -= removed.Interval.Size()
			countDelta := int64(0)
			if ru.remaining == 0 {
				countDelta = -1
			}
			a.recordDelta(ru.alloc.Key(false), -int64(removed.Interval.Size()), countDelta)
		}
	}
}

func (a *HighWaterMarkAggregator) recordDelta(key LocationKey, bytesDelta, countDelta int64) {
	if bytesDelta < 0 && a.pendingPeak {
		// The heap is about to shrink right after the maximum: the
		// peak is final. Histories fold their deltas in lazily.
		a.peakIndex++
		a.pendingPeak = false
	}
	h := a.usage[key]
	if h == nil {
		h = &usageHistory{lastKnownPeak: a.peakIndex}
		a.usage[key] = h
	}
	a.rebase(h)
	h.sinceBytes += bytesDelta
	h.sinceCount += countDelta

	a.currentHeap = uint64(int64(a.currentHeap) + bytesDelta)
	if a.currentHeap > a.maxSeen {
		a.maxSeen = a.currentHeap
		a.pendingPeak = true
	}
}

// rebase folds h's deltas into its committed contribution if a peak was
// finalized since h was last touched: everything h did before that peak was
// part of it.
func (a *HighWaterMarkAggregator) rebase(h *usageHistory) {
	if h.lastKnownPeak == a.peakIndex {
		return
	}
	h.peakBytes = uint64(int64(h.peakBytes) + h.sinceBytes)
	h.peakCount = uint64(int64(h.peakCount) + h.sinceCount)
	h.sinceBytes = 0
	h.sinceCount = 0
	h.lastKnownPeak = a.peakIndex
}

// CurrentHeapSize is the running sum of live bytes.
func (a *HighWaterMarkAggregator) CurrentHeapSize() uint64 {
	return a.currentHeap
}

// HighWaterMark is the largest heap size observed.
func (a *HighWaterMarkAggregator) HighWaterMark() uint64 {
	return a.maxSeen
}

// HighWaterMarkContribution returns the bytes and allocation count the
// location held at the high water mark. When the stream ended on its
// maximum (no decrease followed), the current state is the peak.
func (a *HighWaterMarkAggregator) HighWaterMarkContribution(key LocationKey) (bytes, count uint64) {
	h := a.usage[key]
	if h == nil {
		return 0, 0
	}
	a.rebase(h)
	bytes, count = h.peakBytes, h.peakCount
	if a.pendingPeak {
		bytes = uint64(int64(bytes) + h.sinceBytes)
		count = uint64(int64(count) + h.sinceCount)
	}
	return bytes, count
}

// LeaksContribution returns the location's live bytes and count at the
// current point of the stream, i.e. what survives as a leak if the stream
// ends here.
func (a *HighWaterMarkAggregator) LeaksContribution(key LocationKey) (bytes, count uint64) {
	h := a.usage[key]
	if h == nil {
		return 0, 0
	}
	return uint64(int64(h.peakBytes) + h.sinceBytes), uint64(int64(h.peakCount) + h.sinceCount)
}

// Entries renders the aggregator as aggregated capture records, sorted by
// location for deterministic output.
func (a *HighWaterMarkAggregator) Entries() []AggregatedAllocation {
	keys := maps.Keys(a.usage)
	slices.SortFunc(keys, func(x, y LocationKey) int {
		switch {
		case x.TID != y.TID:
			return int(x.TID) - int(y.TID)
		case x.FrameIndex != y.FrameIndex:
			return int(x.FrameIndex) - int(y.FrameIndex)
		default:
			return int(x.NativeFrameID) - int(y.NativeFrameID)
		}
	})
	out := make([]AggregatedAllocation, 0, len(keys))
	for _, key := range keys {
		hwmBytes, hwmCount := a.HighWaterMarkContribution(key)
		leakBytes, leakCount := a.LeaksContribution(key)
		if hwmBytes == 0 && leakBytes == 0 && hwmCount == 0 && leakCount == 0 {
			continue
		}
		out = append(out, AggregatedAllocation{
			TID:                         key.TID,
			FrameIndex:                  key.FrameIndex,
			NativeFrameID:               key.NativeFrameID,
			NAllocationsInHighWaterMark: hwmCount,
			NBytesInHighWaterMark:       hwmBytes,
			NAllocationsLeaked:          leakCount,
			NBytesLeaked:                leakBytes,
		})
	}
	return out
}

// TemporaryAllocationsAggregator finds allocations released shortly after
// they were made: a deallocation matching one of the thread's most recent
// maxItems live allocations marks it as temporary. Ranged deallocations
// must also match the allocation's size, so a partial munmap never counts.
type TemporaryAllocationsAggregator struct {
	maxItems int
	recent   map[uint64][]Allocation
	temps    map[LocationKey]Allocation
}

func NewTemporaryAllocationsAggregator(maxItems int) *TemporaryAllocationsAggregator {
	return &TemporaryAllocationsAggregator{
		maxItems: maxItems,
		recent:   make(map[uint64][]Allocation),
		temps:    make(map[LocationKey]Allocation),
	}
}

// Process consumes one allocation event in stream order.
func (a *TemporaryAllocationsAggregator) Process(alloc Allocation) {
	switch alloc.Allocator.Class() {
	case SimpleAllocator, RangedAllocator:
		window := append(a.recent[alloc.TID], alloc)
		if len(window) > a.maxItems {
			window = window[1:]
		}
		a.recent[alloc.TID] = window
	case SimpleDeallocator, RangedDeallocator:
		a.matchDeallocation(alloc)
	}
}

func (a *TemporaryAllocationsAggregator) matchDeallocation(dealloc Allocation) {
	ranged := dealloc.Allocator.Class() == RangedDeallocator
	window := a.recent[dealloc.TID]
	for i := len(window) - 1; i >= 0; i-- {
		live := window[i]
		if live.Address != dealloc.Address {
			continue
		}
		if ranged && live.Size != dealloc.Size {
			continue
		}
		a.recent[dealloc.TID] = append(window[:i:i], window[i+1:]...)
		key := live.Key(false)
		agg, ok := a.temps[key]
		if !ok {
			agg = live
			agg.Size = 0
			agg.NAllocations = 0
		}
		agg.Size += live.Size
		agg.NAllocations++
		a.temps[key] = agg
		return
	}
}

// Snapshot returns the temporary allocations grouped by location.
func (a *TemporaryAllocationsAggregator) Snapshot(mergeThreads bool) map[LocationKey]Allocation {
	return regroup(a.temps, mergeThreads)
}

// LifetimeKey buckets allocations by the snapshot interval they lived in.
// DeallocatedInSnapshot is LifetimeLeaked for allocations never released.
type LifetimeKey struct {
	AllocatedInSnapshot   uint64
	DeallocatedInSnapshot uint64
	Location              LocationKey
}

// LifetimeLeaked marks allocations that were never deallocated.
const LifetimeLeaked = math.MaxUint64

// LifetimeStats is the aggregate for one lifetime bucket.
type LifetimeStats struct {
	NAllocations uint64
	NBytes       uint64
}

type lifetimeAlloc struct {
	alloc    Allocation
	snapshot uint64
}

// AllocationLifetimeAggregator buckets allocations by the snapshot they
// were made in and the snapshot they were released in. Snapshots advance
// only through CaptureSnapshot, driven externally (typically on memory
// records).
type AllocationLifetimeAggregator struct {
	snapshot uint64
	ptrs     map[uint64]lifetimeAlloc
	ranges   IntervalTree[*lifetimeAlloc]
	stats    map[LifetimeKey]LifetimeStats
}

func NewAllocationLifetimeAggregator() *AllocationLifetimeAggregator {
	return &AllocationLifetimeAggregator{
		ptrs:  make(map[uint64]lifetimeAlloc),
		stats: make(map[LifetimeKey]LifetimeStats),
	}
}

// CaptureSnapshot closes the current snapshot interval.
func (a *AllocationLifetimeAggregator) CaptureSnapshot() {
	a.snapshot++
}

// Process consumes one allocation event in stream order.
func (a *AllocationLifetimeAggregator) Process(alloc Allocation) {
	switch alloc.Allocator.Class() {
	case SimpleAllocator:
		a.ptrs[alloc.Address] = lifetimeAlloc{alloc: alloc, snapshot: a.snapshot}
	case SimpleDeallocator:
		la, ok := a.ptrs[alloc.Address]
		if !ok {
			return
		}
		delete(a.ptrs, alloc.Address)
		a.record(la, la.alloc.Size, 1)
	case RangedAllocator:
		a.ranges.Add(alloc.Address, alloc.Size, &lifetimeAlloc{alloc: alloc, snapshot: a.snapshot})
	case RangedDeallocator:
		for _, removed := range a.ranges.Remove(alloc.Address, alloc.Size) {
			a.record(*removed.Value, removed.Interval.Size(), 1)
		}
	}
}

func (a *AllocationLifetimeAggregator) record(la lifetimeAlloc, size uint64, count uint64) {
	key := LifetimeKey{
		AllocatedInSnapshot:   la.snapshot,
		DeallocatedInSnapshot: a.snapshot,
		Location:              la.alloc.Key(false),
	}
	s := a.stats[key]
	s.NAllocations += count
	s.NBytes += size
	a.stats[key] = s
}

// Finalize accounts every still-live allocation as leaked and returns the
// lifetime buckets.
func (a *AllocationLifetimeAggregator) Finalize() map[LifetimeKey]LifetimeStats {
	for _, la := range a.ptrs {
		key := LifetimeKey{
			AllocatedInSnapshot:   la.snapshot,
			DeallocatedInSnapshot: LifetimeLeaked,
			Location:              la.alloc.Key(false),
		}
		s := a.stats[key]
		s.NAllocations++
		s.NBytes += la.alloc.Size
		a.stats[key] = s
	}
	a.ranges.Each(func(iv Interval, la *lifetimeAlloc) {
		key := LifetimeKey{
			AllocatedInSnapshot:   la.snapshot,
			DeallocatedInSnapshot: LifetimeLeaked,
			Location:              la.alloc.Key(false),
		}
		s := a.stats[key]
		s.NAllocations++
		s.NBytes += iv.Size()
		a.stats[key] = s
	})
	a.ptrs = make(map[uint64]lifetimeAlloc)
	a.ranges = IntervalTree[*lifetimeAlloc]{}
	return a.stats
}

// AllocationStatsAggregator accumulates totals, a size histogram in
// power-of-two buckets, per-allocator counts, and per-location totals for
// top-N queries.
type AllocationStatsAggregator struct {
	TotalAllocations uint64
	TotalBytes       uint64

	sizeBuckets      [65]uint64
	countByAllocator map[AllocatorKind]uint64
	byLocation       map[LocationKey]LifetimeStats
}

func NewAllocationStatsAggregator() *AllocationStatsAggregator {
	return &AllocationStatsAggregator{
		countByAllocator: make(map[AllocatorKind]uint64),
		byLocation:       make(map[LocationKey]LifetimeStats),
	}
}

// Process consumes one allocation event; deallocations only count toward
// the per-allocator table.
func (a *AllocationStatsAggregator) Process(alloc Allocation) {
	a.countByAllocator[alloc.Allocator]++
	if alloc.Allocator.IsDeallocator() {
		return
	}
	a.TotalAllocations++
	a.TotalBytes += alloc.Size
	a.sizeBuckets[bits.Len64(alloc.Size)]++
	key := alloc.Key(false)
	s := a.byLocation[key]
	s.NAllocations++
	s.NBytes += alloc.Size
	a.byLocation[key] = s
}

// SizeHistogram returns (bucket upper bound, count) pairs for non-empty
// power-of-two buckets.
type SizeBucket struct {
	UpperBound uint64
	Count      uint64
}

func (a *AllocationStatsAggregator) SizeHistogram() []SizeBucket {
	var out []SizeBucket
	for i, count := range a.sizeBuckets {
		if count == 0 {
			continue
		}
		bound := uint64(0)
		if i > 0 {
			bound = 1<<uint(i) - 1
		}
		out = append(out, SizeBucket{UpperBound: bound, Count: count})
	}
	return out
}

// CountByAllocator returns the per-allocator event counts.
func (a *AllocationStatsAggregator) CountByAllocator() map[AllocatorKind]uint64 {
	return a.countByAllocator
}

// TopLocationsByBytes returns up to n locations ordered by total bytes
// allocated.
func (a *AllocationStatsAggregator) TopLocationsByBytes(n int) []LocationKey {
	keys := maps.Keys(a.byLocation)
	slices.SortFunc(keys, func(x, y LocationKey) int {
		bx, by := a.byLocation[x].NBytes, a.byLocation[y].NBytes
		switch {
		case bx > by:
			return -1
		case bx < by:
			return 1
		}
		return 0
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// LocationStats returns the accumulated totals for a location.
func (a *AllocationStatsAggregator) LocationStats(key LocationKey) LifetimeStats {
	return a.byLocation[key]
}

// regroup re-keys an aggregated map, optionally merging threads.
func regroup(in map[LocationKey]Allocation, mergeThreads bool) map[LocationKey]Allocation {
	out := make(map[LocationKey]Allocation, len(in))
	for _, alloc := range in {
		key := alloc.Key(mergeThreads)
		agg, ok := out[key]
		if !ok {
			agg = alloc
			agg.Size = 0
			agg.NAllocations = 0
			if mergeThreads {
				agg.TID = 0
			}
		}
		agg.Size += alloc.Size
		agg.NAllocations += alloc.NAllocations
		out[key] = agg
	}
	return out
}

package memtrace

import (
	"math/rand"
	"testing"
)

func alloc(tid uint64, kind AllocatorKind, addr, size uint64, frame uint32) Allocation {
	return Allocation{
		TID:          tid,
		Address:      addr,
		Size:         size,
		Allocator:    kind,
		FrameIndex:   frame,
		NAllocations: 1,
	}
}

func TestSnapshotSimpleLifetime(t *testing.T) {
	// S1: allocate then free; the point-in-time snapshot is empty.
	agg := NewSnapshotAllocationAggregator()
	agg.Process(alloc(1, Malloc, 0x1000, 100, 3))
	if got := agg.HeapSize(); got != 100 {
		t.Errorf("heap after malloc: want=100 got=%d", got)
	}
	agg.Process(alloc(1, Free, 0x1000, 0, 3))
	if got := agg.Snapshot(false); len(got) != 0 {
		t.Errorf("snapshot after free not empty: %v", got)
	}
}

func TestSnapshotPartialMunmap(t *testing.T) {
	// S2: mmap 8 KiB, munmap the upper half: one live allocation of
	// 4 KiB remains at the mapping's call site.
	agg := NewSnapshotAllocationAggregator()
	base := uint64(0x7f0000000000)
	agg.Process(alloc(1, Mmap, base, 8192, 5))
	agg.Process(alloc(1, Munmap, base+4096, 4096, 9))

	snap := agg.Snapshot(false)
	if len(snap) != 1 {
		t.Fatalf("snapshot entries: want=1 got=%d", len(snap))
	}
	for key, a := range snap {
		if key.FrameIndex != 5 {
			t.Errorf("surviving range keyed at frame %d, want 5", key.FrameIndex)
		}
		if a.Size != 4096 || a.NAllocations != 1 {
			t.Errorf("surviving range: size=%d count=%d", a.Size, a.NAllocations)
		}
	}
}

func TestSnapshotReallocGroupsUnderNewSite(t *testing.T) {
	// S3: the old pointer is freed at its site, the new one attributed
	// to the reallocating site.
	agg := NewSnapshotAllocationAggregator()
	agg.Process(alloc(1, Malloc, 0x1000, 10, 1))
	agg.Process(alloc(1, Free, 0x1000, 0, 1))
	agg.Process(alloc(1, Realloc, 0x2000, 20, 2))

	snap := agg.Snapshot(false)
	if len(snap) != 1 {
		t.Fatalf("snapshot entries: want=1 got=%d", len(snap))
	}
	for key, a := range snap {
		if key.FrameIndex != 2 || a.Size != 20 {
			t.Errorf("leak grouped at frame %d size %d, want frame 2 size 20", key.FrameIndex, a.Size)
		}
	}
}

func TestSnapshotTotalsMatchLiveSet(t *testing.T) {
	// Property: the snapshot's summed size equals live simple sizes plus
	// surviving ranged sub-interval lengths, under a random workload.
	rng := rand.New(rand.NewSource(11))
	agg := NewSnapshotAllocationAggregator()
	live := make(map[uint64]uint64)
	ranged := new(IntervalTree[int])

	for i := 0; i < 3000; i++ {
		frame := uint32(rng.Intn(8))
		switch rng.Intn(5) {
		case 0, 1:
			addr := uint64(0x1000 + rng.Intn(1024)*16)
			size := uint64(1 + rng.Intn(512))
			agg.Process(alloc(1, Malloc, addr, size, frame))
			live[addr] = size
		case 2:
			addr := uint64(0x1000 + rng.Intn(1024)*16)
			agg.Process(alloc(1, Free, addr, 0, frame))
			delete(live, addr)
		case 3:
			addr := uint64(0x40000000 + rng.Intn(64)*0x10000)
			size := uint64((1 + rng.Intn(8)) * 4096)
			agg.Process(alloc(1, Mmap, addr, size, frame))
			ranged.Add(addr, size, 0)
		case 4:
			addr := uint64(0x40000000 + rng.Intn(64)*0x10000)
			size := uint64((1 + rng.Intn(8)) * 4096)
			agg.Process(alloc(1, Munmap, addr, size, frame))
			ranged.Remove(addr, size)
		}
	}

	var want uint64
	for _, size := range live {
		want += size
	}
	want += ranged.TotalBytes()

	var got uint64
	for _, a := range agg.Snapshot(true) {
		got += a.Size
	}
	if got != want {
		t.Errorf("snapshot total: want=%d got=%d", want, got)
	}
	if agg.HeapSize() != want {
		t.Errorf("heap size: want=%d got=%d", want, agg.HeapSize())
	}
}

func locKey(frame uint32) LocationKey {
	return LocationKey{FrameIndex: frame, TID: 1}
}

func TestHighWaterMarkAttribution(t *testing.T) {
	// S6: peak is 350 = 50 live from the third site plus 300 from the
	// fourth; the freed sites contribute nothing; leaks equal the final
	// live set.
	agg := NewHighWaterMarkAggregator()
	agg.Process(alloc(1, Malloc, 0xa000, 100, 1)) // A
	agg.Process(alloc(1, Malloc, 0xb000, 200, 2)) // B
	agg.Process(alloc(1, Free, 0xb000, 0, 2))     // peak 300 finalized
	agg.Process(alloc(1, Malloc, 0xc000, 50, 3))  // C, net 150
	agg.Process(alloc(1, Free, 0xa000, 0, 1))     // net 50
	agg.Process(alloc(1, Malloc, 0xd000, 300, 4)) // D, net 350: new peak

	if got := agg.HighWaterMark(); got != 350 {
		t.Fatalf("high water mark: want=350 got=%d", got)
	}
	wantHWM := map[uint32]uint64{1: 0, 2: 0, 3: 50, 4: 300}
	for frame, want := range wantHWM {
		got, _ := agg.HighWaterMarkContribution(locKey(frame))
		if got != want {
			t.Errorf("hwm contribution frame %d: want=%d got=%d", frame, want, got)
		}
	}
	wantLeaks := map[uint32]uint64{1: 0, 2: 0, 3: 50, 4: 300}
	for frame, want := range wantLeaks {
		got, _ := agg.LeaksContribution(locKey(frame))
		if got != want {
			t.Errorf("leaks contribution frame %d: want=%d got=%d", frame, want, got)
		}
	}
}

func TestHighWaterMarkFinalizedPeak(t *testing.T) {
	// The stream ends below the peak: contributions are the committed
	// ones at the highest point, not the current state.
	agg := NewHighWaterMarkAggregator()
	agg.Process(alloc(1, Malloc, 0xa000, 100, 1))
	agg.Process(alloc(1, Malloc, 0xb000, 200, 2))
	agg.Process(alloc(1, Free, 0xb000, 0, 2))

	if b, c := agg.HighWaterMarkContribution(locKey(1)); b != 100 || c != 1 {
		t.Errorf("frame 1 at peak: want=(100,1) got=(%d,%d)", b, c)
	}
	if b, c := agg.HighWaterMarkContribution(locKey(2)); b != 200 || c != 1 {
		t.Errorf("frame 2 at peak: want=(200,1) got=(%d,%d)", b, c)
	}
	if b, _ := agg.LeaksContribution(locKey(2)); b != 0 {
		t.Errorf("frame 2 leaks: want=0 got=%d", b)
	}
}

func TestHighWaterMarkLeaksSumToHeap(t *testing.T) {
	// Property: the sum of leak contributions over all locations equals
	// the current heap usage, at any point of a random workload.
	rng := rand.New(rand.NewSource(21))
	agg := NewHighWaterMarkAggregator()
	live := make(map[uint64]bool)
	var addrs []uint64

	check := func(step int) {
		var total uint64
		for _, e := range agg.Entries() {
			total += e.NBytesLeaked
		}
		if total != agg.CurrentHeapSize() {
			t.Fatalf("step %d: leak sum %d != heap %d", step, total, agg.CurrentHeapSize())
		}
	}

	for i := 0; i < 1000; i++ {
		if len(addrs) == 0 || rng.Intn(3) > 0 {
			addr := uint64(0x1000 + i*32)
			agg.Process(alloc(1, Malloc, addr, uint64(1+rng.Intn(256)), uint32(rng.Intn(6))))
			live[addr] = true
			addrs = append(addrs, addr)
		} else {
			j := rng.Intn(len(addrs))
			addr := addrs[j]
			addrs = append(addrs[:j], addrs[j+1:]...)
			if live[addr] {
				agg.Process(alloc(1, Free, addr, 0, 0))
				delete(live, addr)
			}
		}
		if i%97 == 0 {
			check(i)
		}
	}
	check(1000)
}

func TestHighWaterMarkRangedPartialDecrement(t *testing.T) {
	// Partial unmaps decrement bytes only; removing the last surviving
	// byte decrements the count.
	agg := NewHighWaterMarkAggregator()
	base := uint64(0x7f0000000000)
	agg.Process(alloc(1, Mmap, base, 8192, 1))
	agg.Process(alloc(1, Munmap, base, 4096, 2))

	if b, c := agg.LeaksContribution(locKey(1)); b != 4096 || c != 1 {
		t.Errorf("after partial unmap: want=(4096,1) got=(%d,%d)", b, c)
	}
	agg.Process(alloc(1, Munmap, base+4096, 4096, 2))
	if b, c := agg.LeaksContribution(locKey(1)); b != 0 || c != 0 {
		t.Errorf("after full unmap: want=(0,0) got=(%d,%d)", b, c)
	}
}

func TestTemporaryAllocations(t *testing.T) {
	agg := NewTemporaryAllocationsAggregator(2)
	agg.Process(alloc(1, Malloc, 0x1000, 64, 1))
	agg.Process(alloc(1, Free, 0x1000, 0, 1)) // temporary: freed immediately

	agg.Process(alloc(1, Malloc, 0x2000, 32, 2))
	agg.Process(alloc(1, Malloc, 0x3000, 32, 3))
	agg.Process(alloc(1, Malloc, 0x4000, 32, 4)) // 0x2000 falls out of the window
	agg.Process(alloc(1, Free, 0x2000, 0, 2))    // not a temporary anymore

	snap := agg.Snapshot(false)
	if len(snap) != 1 {
		t.Fatalf("temporaries: want=1 got=%d", len(snap))
	}
	for key, a := range snap {
		if key.FrameIndex != 1 || a.Size != 64 || a.NAllocations != 1 {
			t.Errorf("temporary mismatch: key=%+v agg=%+v", key, a)
		}
	}
}

func TestTemporaryAllocationsPartialMunmapNeverMatches(t *testing.T) {
	agg := NewTemporaryAllocationsAggregator(4)
	base := uint64(0x7f0000000000)
	agg.Process(alloc(1, Mmap, base, 8192, 1))
	agg.Process(alloc(1, Munmap, base, 4096, 1)) // size differs: no match
	if snap := agg.Snapshot(false); len(snap) != 0 {
		t.Errorf("partial munmap counted as temporary: %v", snap)
	}
	agg.Process(alloc(1, Munmap, base, 8192, 1)) // exact size matches
	if snap := agg.Snapshot(false); len(snap) != 1 {
		t.Errorf("exact munmap not counted as temporary")
	}
}

func TestTemporaryAllocationsPerThreadWindows(t *testing.T) {
	agg := NewTemporaryAllocationsAggregator(4)
	agg.Process(alloc(1, Malloc, 0x1000, 8, 1))
	// A free on another thread does not match thread 1's window.
	agg.Process(alloc(2, Free, 0x1000, 0, 1))
	if snap := agg.Snapshot(false); len(snap) != 0 {
		t.Errorf("cross-thread free matched: %v", snap)
	}
}

func TestAllocationLifetimeBuckets(t *testing.T) {
	agg := NewAllocationLifetimeAggregator()
	agg.Process(alloc(1, Malloc, 0x1000, 100, 1)) // snapshot 0
	agg.CaptureSnapshot()
	agg.Process(alloc(1, Malloc, 0x2000, 50, 2)) // snapshot 1
	agg.Process(alloc(1, Free, 0x1000, 0, 1))    // died in snapshot 1
	agg.CaptureSnapshot()

	stats := agg.Finalize()
	died := stats[LifetimeKey{AllocatedInSnapshot: 0, DeallocatedInSnapshot: 1, Location: locKey(1)}]
	if died.NAllocations != 1 || died.NBytes != 100 {
		t.Errorf("died bucket: %+v", died)
	}
	leaked := stats[LifetimeKey{AllocatedInSnapshot: 1, DeallocatedInSnapshot: LifetimeLeaked, Location: locKey(2)}]
	if leaked.NAllocations != 1 || leaked.NBytes != 50 {
		t.Errorf("leaked bucket: %+v", leaked)
	}
}

func TestAllocationStats(t *testing.T) {
	agg := NewAllocationStatsAggregator()
	agg.Process(alloc(1, Malloc, 0x1000, 100, 1))
	agg.Process(alloc(1, Malloc, 0x2000, 1000, 2))
	agg.Process(alloc(1, Calloc, 0x3000, 100, 1))
	agg.Process(alloc(1, Free, 0x1000, 0, 1))

	if agg.TotalAllocations != 3 || agg.TotalBytes != 1200 {
		t.Errorf("totals: %d allocations, %d bytes", agg.TotalAllocations, agg.TotalBytes)
	}
	if got := agg.CountByAllocator()[Free]; got != 1 {
		t.Errorf("free count: want=1 got=%d", got)
	}
	top := agg.TopLocationsByBytes(1)
	if len(top) != 1 || top[0].FrameIndex != 2 {
		t.Errorf("top location: %+v", top)
	}
	if hist := agg.SizeHistogram(); len(hist) == 0 {
		t.Errorf("empty histogram")
	}
}

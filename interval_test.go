package memtrace

import (
	"math/rand"
	"testing"
)

func TestIntervalTreeAddRemoveExact(t *testing.T) {
	tree := new(IntervalTree[int])
	tree.Add(0x1000, 0x2000, 7)
	if got := tree.TotalBytes(); got != 0x2000 {
		t.Fatalf("total bytes: want=%#x got=%#x", 0x2000, got)
	}

	removed := tree.Remove(0x1000, 0x2000)
	if len(removed) != 1 {
		t.Fatalf("removed pieces: want=1 got=%d", len(removed))
	}
	if removed[0].Kind != FullyRemoved {
		t.Errorf("removal kind: want=FullyRemoved got=%v", removed[0].Kind)
	}
	if removed[0].Value != 7 {
		t.Errorf("removal value: want=7 got=%d", removed[0].Value)
	}
	if got := tree.TotalBytes(); got != 0 {
		t.Errorf("total bytes after exact remove: want=0 got=%#x", got)
	}
}

func TestIntervalTreeZeroSize(t *testing.T) {
	tree := new(IntervalTree[int])
	tree.Add(0x1000, 0, 1)
	if tree.Len() != 0 {
		t.Errorf("zero-size add stored an interval")
	}
	tree.Add(0x1000, 0x100, 1)
	if removed := tree.Remove(0x1000, 0); removed != nil {
		t.Errorf("zero-size remove returned %v", removed)
	}
	if got := tree.TotalBytes(); got != 0x100 {
		t.Errorf("total bytes: want=%#x got=%#x", 0x100, got)
	}
}

func TestIntervalTreePartialRemove(t *testing.T) {
	tests := []struct {
		name       string
		start, sz  uint64
		kind       RemovalKind
		wantTotal  uint64
		wantPieces int
	}{
		{"left edge", 0x1000, 0x400, TruncatedLeft, 0xc00, 1},
		{"right edge", 0x1c00, 0x400, TruncatedRight, 0xc00, 1},
		{"middle", 0x1400, 0x400, Split, 0xc00, 1},
		{"spanning", 0x0800, 0x2000, FullyRemoved, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := new(IntervalTree[string])
			tree.Add(0x1000, 0x1000, "site")
			removed := tree.Remove(tt.start, tt.sz)
			if len(removed) != tt.wantPieces {
				t.Fatalf("pieces: want=%d got=%d", tt.wantPieces, len(removed))
			}
			if removed[0].Kind != tt.kind {
				t.Errorf("kind: want=%v got=%v", tt.kind, removed[0].Kind)
			}
			if removed[0].Value != "site" {
				t.Errorf("value: want=site got=%q", removed[0].Value)
			}
			if got := tree.TotalBytes(); got != tt.wantTotal {
				t.Errorf("total: want=%#x got=%#x", tt.wantTotal, got)
			}
		})
	}
}

func TestIntervalTreeSplitKeepsValue(t *testing.T) {
	tree := new(IntervalTree[int])
	tree.Add(0x1000, 0x1000, 42)
	tree.Remove(0x1400, 0x400)

	if tree.Len() != 2 {
		t.Fatalf("intervals after split: want=2 got=%d", tree.Len())
	}
	tree.Each(func(iv Interval, v int) {
		if v != 42 {
			t.Errorf("split interval %v lost value: got=%d", iv, v)
		}
	})
}

func TestIntervalTreeRemovalExhaustive(t *testing.T) {
	// After Remove(r) no stored interval intersects r, and total bytes
	// equal adds minus clipped removes, over a randomized workload.
	rng := rand.New(rand.NewSource(1))
	tree := new(IntervalTree[int])
	var expect uint64

	for i := 0; i < 2000; i++ {
		start := uint64(rng.Intn(1 << 12))
		size := uint64(rng.Intn(256))
		if rng.Intn(2) == 0 {
			tree.Add(start, size, i)
			expect += size
		} else {
			for _, r := range tree.Remove(start, size) {
				expect -= r.Interval.Size()
			}
			if size > 0 {
				if left := tree.FindIntersection(start, size); left != nil {
					t.Fatalf("interval still intersects removed range [%#x,%#x): %v", start, start+size, left)
				}
			}
		}
		if got := tree.TotalBytes(); got != expect {
			t.Fatalf("conservation violated at step %d: want=%d got=%d", i, expect, got)
		}
	}
}

func TestIntervalIntersection(t *testing.T) {
	a := Interval{Begin: 10, End: 20}
	if _, ok := a.Intersection(Interval{Begin: 20, End: 30}); ok {
		t.Errorf("touching intervals reported as intersecting")
	}
	got, ok := a.Intersection(Interval{Begin: 15, End: 30})
	if !ok || got != (Interval{Begin: 15, End: 20}) {
		t.Errorf("intersection: want=[15,20) got=%v ok=%v", got, ok)
	}
}

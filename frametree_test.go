package memtrace

import "testing"

func insertStack(t *FrameTree, ids ...uint32) uint32 {
	index := uint32(0)
	for _, id := range ids {
		index = t.GetOrCreateChild(index, id, nil)
	}
	return index
}

func TestFrameTreeSameStackSameLeaf(t *testing.T) {
	tree := NewFrameTree()
	a := insertStack(tree, 1, 2, 3)
	b := insertStack(tree, 1, 2, 3)
	if a != b {
		t.Errorf("same stack yielded different leaves: %d != %d", a, b)
	}
	if tree.Len() != 4 {
		t.Errorf("node count: want=4 got=%d", tree.Len())
	}
}

func TestFrameTreePrefixSharing(t *testing.T) {
	tree := NewFrameTree()
	a := insertStack(tree, 1, 2, 3)
	b := insertStack(tree, 1, 2, 4)

	_, ap := tree.WalkTo(a)
	_, bp := tree.WalkTo(b)
	if ap != bp {
		t.Errorf("stacks with shared prefix do not share parent: %d != %d", ap, bp)
	}
	// Root, 1, 2, 3, 4.
	if tree.Len() != 5 {
		t.Errorf("node count: want=5 got=%d", tree.Len())
	}
}

func TestFrameTreeWalkTo(t *testing.T) {
	tree := NewFrameTree()
	leaf := insertStack(tree, 10, 20, 30)

	want := []uint32{30, 20, 10}
	index := leaf
	for _, id := range want {
		frameID, parent := tree.WalkTo(index)
		if frameID != id {
			t.Fatalf("walk: want frame %d got %d", id, frameID)
		}
		index = parent
	}
	if index != 0 {
		t.Errorf("walk did not end at root: got=%d", index)
	}
}

func TestFrameTreePath(t *testing.T) {
	tree := NewFrameTree()
	leaf := insertStack(tree, 7, 8, 9)
	got := tree.Path(leaf)
	want := []uint32{7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("path length: want=%d got=%d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path[%d]: want=%d got=%d", i, want[i], got[i])
		}
	}
}

func TestFrameTreeOnNewVeto(t *testing.T) {
	tree := NewFrameTree()
	index := tree.GetOrCreateChild(0, 5, func(frameID, parent uint32) bool { return false })
	if index != 0 {
		t.Errorf("vetoed insert returned %d, want sentinel 0", index)
	}
	if tree.Len() != 1 {
		t.Errorf("vetoed insert grew the tree: %d nodes", tree.Len())
	}
}

func TestFrameTreeOnNewOrdering(t *testing.T) {
	tree := NewFrameTree()
	called := false
	tree.GetOrCreateChild(0, 5, func(frameID, parent uint32) bool {
		called = true
		if tree.Len() != 1 {
			t.Errorf("node published before onNew returned")
		}
		return true
	})
	if !called {
		t.Errorf("onNew not called for a new edge")
	}
	// Existing edge does not call onNew again.
	tree.GetOrCreateChild(0, 5, func(frameID, parent uint32) bool {
		t.Errorf("onNew called for an existing edge")
		return true
	})
}

func TestRegistryRoundTrip(t *testing.T) {
	r := newRegistry[string]()
	id, fresh := r.intern("alpha")
	if !fresh || id != 1 {
		t.Fatalf("first intern: want=(1,true) got=(%d,%v)", id, fresh)
	}
	id2, fresh2 := r.intern("alpha")
	if fresh2 || id2 != id {
		t.Errorf("second intern: want=(%d,false) got=(%d,%v)", id, id2, fresh2)
	}
	v, ok := r.lookup(id)
	if !ok || v != "alpha" {
		t.Errorf("lookup: want=alpha got=%q ok=%v", v, ok)
	}
	if _, ok := r.lookup(0); ok {
		t.Errorf("id 0 resolved; it is reserved")
	}
}

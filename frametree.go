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
	"golang.org/x/exp/slices"
)

// FrameTree is an append-only trie of call stacks. Every node holds a frame
// id and its parent index; identical stack prefixes share nodes. Index 0 is
// the reserved sentinel root. Node indices are never reused, so a leaf index
// identifies a full stack for the lifetime of the tree.
//
// The tree is mutated by a single writer; the tracker serializes access
// through its own mutex.
type FrameTree struct {
	nodes []frameNode
}

type frameNode struct {
	frameID  uint32
	parent   uint32
	children []childEdge
}

type childEdge struct {
	frameID uint32
	index   uint32
}

// NewFrameTree returns a tree holding only the sentinel root.
func NewFrameTree() *FrameTree {
	return &FrameTree{nodes: []frameNode{{}}}
}

// GetOrCreateChild returns the index of the child of parent carrying
// frameID, creating it if needed. Before a new node is published, onNew is
// called with (frameID, parent); if it returns false the node is not
// inserted and the sentinel index 0 is returned. A nil onNew always
// succeeds.
func (t *FrameTree) GetOrCreateChild(parent, frameID uint32, onNew func(frameID, parent uint32) bool) uint32 {
	node := &t.nodes[parent]
	i, found := slices.BinarySearchFunc(node.children, frameID, func(e childEdge, id uint32) int {
		switch {
		case e.frameID < id:
			return -1
		case e.frameID > id:
			return 1
		}
		return 0
	})
	if found {
		return node.children[i].index
	}
	if onNew != nil && !onNew(frameID, parent) {
		return 0
	}
	index := uint32(len(t.nodes))
	t.nodes = append(t.nodes, frameNode{frameID: frameID, parent: parent})
	// t.nodes may have been reallocated by the append.
	node = &t.nodes[parent]
	node.children = slices.Insert(node.children, i, childEdge{frameID: frameID, index: index})
	return index
}

// WalkTo returns the frame id and parent index of a node. It is valid for
// any index previously returned by GetOrCreateChild, and for the root.
func (t *FrameTree) WalkTo(index uint32) (frameID, parent uint32) {
	n := t.nodes[index]
	return n.frameID, n.parent
}

// Len returns the number of nodes, including the sentinel root.
func (t *FrameTree) Len() int {
	return len(t.nodes)
}

// Path returns the frame ids from the root (exclusive) down to index, i.e.
// oldest frame first. The root itself yields an empty path.
func (t *FrameTree) Path(index uint32) []uint32 {
	var ids []uint32
	for index != 0 {
		n := t.nodes[index]
		ids = append(ids, n.frameID)
		index = n.parent
	}
	slices.Reverse(ids)
	return ids
}

// registry assigns dense integer ids to values and maps both ways. Id 0 is
// reserved so that a zero id can act as "absent".
type registry[T comparable] struct {
	byValue map[T]uint32
	byID    []T
}

func newRegistry[T comparable]() *registry[T] {
	var zero T
	return &registry[T]{
		byValue: make(map[T]uint32),
		byID:    []T{zero},
	}
}

// intern returns the id of v, assigning the next dense id the first time v
// is seen. The second return value is true when the id was just assigned.
func (r *registry[T]) intern(v T) (uint32, bool) {
	if id, ok := r.byValue[v]; ok {
		return id, false
	}
	id := uint32(len(r.byID))
	r.byValue[v] = id
	r.byID = append(r.byID, v)
	return id, true
}

// lookup returns the value registered under id.
func (r *registry[T]) lookup(id uint32) (T, bool) {
	if id == 0 || int(id) >= len(r.byID) {
		var zero T
		return zero, false
	}
	return r.byID[id], true
}

// register stores v under a caller-chosen id, growing the table as needed.
// It is used by the reader, which replays ids instead of assigning them.
func (r *registry[T]) register(id uint32, v T) {
	for int(id) >= len(r.byID) {
		var zero T
		r.byID = append(r.byID, zero)
	}
	r.byID[id] = v
	r.byValue[v] = id
}

func (r *registry[T]) len() int {
	return len(r.byID) - 1
}

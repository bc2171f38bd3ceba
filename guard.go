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

// RecursionGuard is the per-thread re-entry fence. While it is held, every
// interceptor behaves as an exact passthrough, so allocations made by the
// profiler's own machinery (or by the real allocator internally) are never
// observed.
//
// The guard lives on the ThreadState rather than in thread-local storage;
// each logical thread owns its state and presents it on every interceptor
// call, so no synchronization is needed.
type RecursionGuard struct {
	active bool
}

// Acquire takes the guard. It returns false if the guard was already held,
// in which case the caller must behave as a passthrough.
func (g *RecursionGuard) Acquire() bool {
	if g.active {
		return false
	}
	g.active = true
	return true
}

// Release drops the guard.
func (g *RecursionGuard) Release() {
	g.active = false
}

// Held reports whether the guard is currently held.
func (g *RecursionGuard) Held() bool {
	return g.active
}

// ThreadState is the tracker's per-logical-thread state: the recursion
// guard, the shadow stack mirroring the runtime's frame chain, and the
// generation of the tracking session the shadow stack belongs to. A
// ThreadState must only be used from the thread it belongs to; the tracker
// hands one out per registered thread.
type ThreadState struct {
	tid        uint64
	name       string
	guard      RecursionGuard
	shadow     shadowStack
	generation uint64
	leaf       uint32
}

// TID returns the logical thread id.
func (ts *ThreadState) TID() uint64 {
	return ts.tid
}

// Guard exposes the thread's recursion guard.
func (ts *ThreadState) Guard() *RecursionGuard {
	return &ts.guard
}

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

// FrameState is one live managed frame as reported by the runtime. The
// instruction offset is a byte offset into the code body and may be updated
// by the runtime as the frame executes; the shadow stack re-emits a frame
// whose offset moved since it was last recorded.
type FrameState struct {
	Code              *CodeObject
	InstructionOffset int32
	IsEntry           bool
}

// ThreadInfo is a runtime thread and its live frame chain, outermost frame
// first, as captured while the world is stopped.
type ThreadInfo struct {
	TID    uint64
	Name   string
	Frames []FrameState
}

// Runtime is the narrow capability set the tracker needs from the managed
// runtime it profiles: enumerate threads and their frame chains, halt them
// while initial stacks are captured, and route profile events into the
// tracker. The wazero adapter in this package implements it for wasm
// guests; embedders can bring their own.
type Runtime interface {
	// Version is the runtime version string, parsed to select the line
	// table decoder.
	Version() string

	// Threads enumerates live threads with their frame chains.
	Threads() []ThreadInfo

	// StopTheWorld runs fn while no managed code executes, so that no
	// thread can push frames the captured initial stacks don't know
	// about.
	StopTheWorld(fn func())

	// InstallHooks routes CALL/RETURN profile events, coroutine
	// switches, and (when the tracker asks for them) runtime-allocator
	// domain events into the tracker. A nil tracker removes the hooks.
	// Removal must tolerate being called during runtime finalization.
	InstallHooks(t *Tracker, traceRuntimeAllocators bool)
}

// Coroutine is the side channel the tracker uses to persist a logical
// thread id on a coroutine/greenlet object across context switches.
type Coroutine interface {
	ProfilerTID() (uint64, bool)
	SetProfilerTID(uint64)
}

// Unwinder produces the native call stack of the current thread on demand.
type Unwinder interface {
	// Unwind returns up to max instruction pointers, innermost first.
	Unwind(max int) []uint64
	// FlushCache drops cached unwind state; called when an image is
	// unloaded.
	FlushCache()
}

// ImageLister enumerates the loaded images of the traced process.
type ImageLister func() ([]ImageSegments, error)

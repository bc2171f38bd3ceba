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
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// WasmAdapter implements Runtime for a WebAssembly guest running under
// wazero. Guest function calls become managed frames, and calls to the
// well-known allocator exports become allocation events, so a wasm guest
// can be traced end to end without cooperation.
//
// The adapter is registered as a function listener factory on the context
// used to compile and instantiate the module.
type WasmAdapter struct {
	mu sync.Mutex

	tracker                *Tracker
	traceRuntimeAllocators bool

	ts    *ThreadState
	chain []FrameState
	codes map[string]*CodeObject

	moduleName string
}

// NewWasmAdapter returns an adapter for one guest module.
func NewWasmAdapter(moduleName string) *WasmAdapter {
	return &WasmAdapter{
		moduleName: moduleName,
		codes:      make(map[string]*CodeObject),
	}
}

// Attach registers the adapter on the wazero context. It must be used for
// both compilation and instantiation of the module.
func (a *WasmAdapter) Attach(ctx context.Context) context.Context {
	return context.WithValue(ctx, experimental.FunctionListenerFactoryKey{}, a)
}

// Version implements Runtime. Wasm guests carry no line tables; the
// version only has to select a decoder that tolerates empty tables.
func (a *WasmAdapter) Version() string { return "1.0.0" }

// Threads implements Runtime: the guest is single threaded, with the
// current call chain as its frame chain.
func (a *WasmAdapter) Threads() []ThreadInfo {
	frames := make([]FrameState, len(a.chain))
	copy(frames, a.chain)
	return []ThreadInfo{{TID: 1, Name: "main", Frames: frames}}
}

// StopTheWorld implements Runtime by holding the adapter lock, which every
// listener event takes: no guest code makes progress while fn runs.
func (a *WasmAdapter) StopTheWorld(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn()
}

// InstallHooks implements Runtime. It is called with the world stopped.
func (a *WasmAdapter) InstallHooks(t *Tracker, traceRuntimeAllocators bool) {
	a.tracker = t
	a.traceRuntimeAllocators = traceRuntimeAllocators
	if t == nil {
		a.ts = nil
	}
}

func (a *WasmAdapter) thread() *ThreadState {
	if a.ts == nil {
		a.ts = a.tracker.RegisterThread(1, "main")
	}
	return a.ts
}

func (a *WasmAdapter) codeObject(def api.FunctionDefinition) *CodeObject {
	name := def.DebugName()
	if name == "" {
		name = def.Name()
	}
	co, ok := a.codes[name]
	if !ok {
		co = &CodeObject{
			Function: name,
			Filename: a.moduleName,
		}
		a.codes[name] = co
	}
	return co
}

// allocatorCall describes how to turn one guest function's parameters and
// results into allocation events. The shapes mirror the C standard library
// signatures compiled to wasm32.
type allocatorCall uint8

const (
	allocNone allocatorCall = iota
	allocMalloc
	allocCalloc
	allocRealloc
	allocFree
	allocAlignedAlloc
	allocPosixMemalign
)

// allocatorForName maps guest export names to allocator shapes, for the C
// standard library, Rust, and TinyGo.
func allocatorForName(name string) allocatorCall {
	switch name {
	case "malloc":
		return allocMalloc
	case "calloc":
		return allocCalloc
	case "realloc":
		return allocRealloc
	case "free":
		return allocFree
	case "aligned_alloc":
		return allocAlignedAlloc
	case "posix_memalign":
		return allocPosixMemalign
	case "runtime.alloc": // TinyGo
		return allocMalloc
	default:
		return allocNone
	}
}

// NewListener implements experimental.FunctionListenerFactory.
func (a *WasmAdapter) NewListener(def api.FunctionDefinition) experimental.FunctionListener {
	alloc := allocNone
	for _, name := range def.ExportNames() {
		if alloc = allocatorForName(name); alloc != allocNone {
			break
		}
	}
	if alloc == allocNone {
		alloc = allocatorForName(def.Name())
	}
	return &wasmListener{adapter: a, alloc: alloc}
}

type wasmListener struct {
	adapter *WasmAdapter
	alloc   allocatorCall
	// pending holds the parameters of in-flight calls to this function,
	// innermost last, so After can pair results with them.
	pending [][]uint64
}

func (l *wasmListener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	a := l.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.tracker
	if t == nil {
		return ctx
	}
	ts := a.thread()

	if l.alloc == allocFree {
		// Deallocations are reported before the real free runs (and
		// before its frame is pushed, so the record is attributed to
		// the caller), ensuring the address cannot be recycled first.
		if addr := uint64(uint32(params[0])); addr != 0 {
			t.TrackDeallocation(ts, Free, addr, 0)
		}
	}

	frame := FrameState{Code: a.codeObject(def)}
	a.chain = append(a.chain, frame)
	t.OnCall(ts, frame)

	if l.alloc != allocNone {
		saved := make([]uint64, len(params))
		copy(saved, params)
		l.pending = append(l.pending, saved)
	}
	return ctx
}

func (l *wasmListener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
	a := l.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.tracker
	if t == nil {
		return
	}
	ts := a.thread()

	if n := len(a.chain); n > 0 {
		a.chain = a.chain[:n-1]
	}
	t.OnReturn(ts)

	if l.alloc == allocNone {
		return
	}
	n := len(l.pending)
	if n == 0 {
		return
	}
	params := l.pending[n-1]
	l.pending = l.pending[:n-1]
	if err != nil {
		return
	}
	// The allocation is attributed to the caller: the allocator function
	// itself has already been popped.
	switch l.alloc {
	case allocMalloc:
		if addr := ret32(results); addr != 0 {
			t.TrackAllocation(ts, Malloc, addr, uint64(uint32(params[0])))
		}
	case allocCalloc:
		if addr := ret32(results); addr != 0 {
			size := uint64(uint32(params[0])) * uint64(uint32(params[1]))
			t.TrackAllocation(ts, Calloc, addr, size)
		}
	case allocRealloc:
		if addr := ret32(results); addr != 0 {
			if old := uint64(uint32(params[0])); old != 0 {
				t.TrackDeallocation(ts, Free, old, 0)
			}
			t.TrackAllocation(ts, Realloc, addr, uint64(uint32(params[1])))
		}
	case allocAlignedAlloc:
		if addr := ret32(results); addr != 0 {
			t.TrackAllocation(ts, AlignedAlloc, addr, uint64(uint32(params[1])))
		}
	case allocPosixMemalign:
		// int posix_memalign(void **memptr, size_t align, size_t size):
		// the address is stored through memptr on success.
		if len(results) > 0 && uint32(results[0]) != 0 {
			return
		}
		if mem := mod.Memory(); mem != nil {
			if addr, ok := mem.ReadUint32Le(uint32(params[0])); ok && addr != 0 {
				t.TrackAllocation(ts, PosixMemalign, uint64(addr), uint64(uint32(params[2])))
			}
		}
	}
}

func ret32(results []uint64) uint64 {
	if len(results) == 0 {
		return 0
	}
	return uint64(uint32(results[0]))
}

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

// AllocatorFuncs are the real allocator entry points the interceptors wrap.
// Addresses and sizes are in the traced program's address space. A nil
// function disables its interceptor.
type AllocatorFuncs struct {
	Malloc        func(size uint64) uint64
	Free          func(address uint64)
	Calloc        func(n, size uint64) uint64
	Realloc       func(address, size uint64) uint64
	PosixMemalign func(align, size uint64) (uint64, int)
	AlignedAlloc  func(align, size uint64) uint64
	Memalign      func(align, size uint64) uint64
	Valloc        func(size uint64) uint64
	Pvalloc       func(size uint64) uint64
	Mmap          func(address, length uint64, prot, flags int) uint64
	Munmap        func(address, length uint64) int
	Dlopen        func(path string, flags int) uint64
	Dlclose       func(handle uint64) int
}

// Interceptors wrap the real allocator functions with tracking. Every
// wrapper follows the same template: with the thread's recursion guard held
// it is an exact passthrough; otherwise the real function runs under a
// scoped guard (so allocations made inside the allocator itself are not
// observed) and the tracker is notified outside of it.
type Interceptors struct {
	tracker *Tracker
	real    AllocatorFuncs
}

// NewInterceptors wraps real with tracking through t.
func NewInterceptors(t *Tracker, real AllocatorFuncs) *Interceptors {
	return &Interceptors{tracker: t, real: real}
}

func (i *Interceptors) Malloc(ts *ThreadState, size uint64) uint64 {
	if ts.guard.Held() {
		return i.real.Malloc(size)
	}
	ts.guard.Acquire()
	ret := i.real.Malloc(size)
	ts.guard.Release()
	if ret != 0 {
		i.tracker.TrackAllocation(ts, Malloc, ret, size)
	}
	return ret
}

// Free notifies the tracker before calling the real deallocator, so the
// address cannot be recycled by another thread ahead of its deallocation
// record.
func (i *Interceptors) Free(ts *ThreadState, address uint64) {
	if ts.guard.Held() {
		i.real.Free(address)
		return
	}
	if address != 0 {
		i.tracker.TrackDeallocation(ts, Free, address, 0)
	}
	ts.guard.Acquire()
	i.real.Free(address)
	ts.guard.Release()
}

func (i *Interceptors) Calloc(ts *ThreadState, n, size uint64) uint64 {
	if ts.guard.Held() {
		return i.real.Calloc(n, size)
	}
	ts.guard.Acquire()
	ret := i.real.Calloc(n, size)
	ts.guard.Release()
	if ret != 0 {
		i.tracker.TrackAllocation(ts, Calloc, ret, n*size)
	}
	return ret
}

// Realloc reports a deallocation of the old address and an allocation at
// the new one, so moves show up attributed to the reallocating call site.
func (i *Interceptors) Realloc(ts *ThreadState, address, size uint64) uint64 {
	if ts.guard.Held() {
		return i.real.Realloc(address, size)
	}
	ts.guard.Acquire()
	ret := i.real.Realloc(address, size)
	ts.guard.Release()
	if ret != 0 {
		if address != 0 {
			i.tracker.TrackDeallocation(ts, Free, address, 0)
		}
		i.tracker.TrackAllocation(ts, Realloc, ret, size)
	}
	return ret
}

func (i *Interceptors) PosixMemalign(ts *ThreadState, align, size uint64) (uint64, int) {
	if ts.guard.Held() {
		return i.real.PosixMemalign(align, size)
	}
	ts.guard.Acquire()
	ret, rc := i.real.PosixMemalign(align, size)
	ts.guard.Release()
	if rc == 0 && ret != 0 {
		i.tracker.TrackAllocation(ts, PosixMemalign, ret, size)
	}
	return ret, rc
}

func (i *Interceptors) AlignedAlloc(ts *ThreadState, align, size uint64) uint64 {
	if ts.guard.Held() {
		return i.real.AlignedAlloc(align, size)
	}
	ts.guard.Acquire()
	ret := i.real.AlignedAlloc(align, size)
	ts.guard.Release()
	if ret != 0 {
		i.tracker.TrackAllocation(ts, AlignedAlloc, ret, size)
	}
	return ret
}

func (i *Interceptors) Memalign(ts *ThreadState, align, size uint64) uint64 {
	if ts.guard.Held() {
		return i.real.Memalign(align, size)
	}
	ts.guard.Acquire()
	ret := i.real.Memalign(align, size)
	ts.guard.Release()
	if ret != 0 {
		i.tracker.TrackAllocation(ts, Memalign, ret, size)
	}
	return ret
}

func (i *Interceptors) Valloc(ts *ThreadState, size uint64) uint64 {
	if ts.guard.Held() {
		return i.real.Valloc(size)
	}
	ts.guard.Acquire()
	ret := i.real.Valloc(size)
	ts.guard.Release()
	if ret != 0 {
		i.tracker.TrackAllocation(ts, Valloc, ret, size)
	}
	return ret
}

func (i *Interceptors) Pvalloc(ts *ThreadState, size uint64) uint64 {
	if ts.guard.Held() {
		return i.real.Pvalloc(size)
	}
	ts.guard.Acquire()
	ret := i.real.Pvalloc(size)
	ts.guard.Release()
	if ret != 0 {
		i.tracker.TrackAllocation(ts, Pvalloc, ret, size)
	}
	return ret
}

func (i *Interceptors) Mmap(ts *ThreadState, address, length uint64, prot, flags int) uint64 {
	if ts.guard.Held() {
		return i.real.Mmap(address, length, prot, flags)
	}
	ts.guard.Acquire()
	ret := i.real.Mmap(address, length, prot, flags)
	ts.guard.Release()
	if ret != 0 {
		i.tracker.TrackAllocation(ts, Mmap, ret, length)
	}
	return ret
}

// Munmap reports the deallocation before the real munmap runs: the region
// is still owned at notification time, which keeps record ordering
// consistent with the address space.
func (i *Interceptors) Munmap(ts *ThreadState, address, length uint64) int {
	if ts.guard.Held() {
		return i.real.Munmap(address, length)
	}
	i.tracker.TrackDeallocation(ts, Munmap, address, length)
	ts.guard.Acquire()
	rc := i.real.Munmap(address, length)
	ts.guard.Release()
	return rc
}

// Dlopen loads an image and invalidates the tracker's module cache so a
// fresh set of mapping records is written. No allocation is recorded.
func (i *Interceptors) Dlopen(ts *ThreadState, path string, flags int) uint64 {
	if ts.guard.Held() {
		return i.real.Dlopen(path, flags)
	}
	ts.guard.Acquire()
	ret := i.real.Dlopen(path, flags)
	ts.guard.Release()
	i.tracker.InvalidateImages()
	if p := i.tracker.config.Patcher; p != nil {
		p.Overwrite() // hook symbols of the newly loaded image
	}
	return ret
}

// Dlclose additionally flushes the unwinder cache: cached unwind state may
// reference the unloaded image.
func (i *Interceptors) Dlclose(ts *ThreadState, handle uint64) int {
	if ts.guard.Held() {
		return i.real.Dlclose(handle)
	}
	ts.guard.Acquire()
	rc := i.real.Dlclose(handle)
	ts.guard.Release()
	i.tracker.InvalidateImages()
	if u := i.tracker.config.Unwinder; u != nil {
		u.FlushCache()
	}
	return rc
}

// PymallocMalloc and friends are the runtime allocator-domain hooks; the
// runtime adapter routes its small-object allocator through them when
// TraceRuntimeAllocators is set.
func (i *Interceptors) PymallocMalloc(ts *ThreadState, address, size uint64) {
	i.tracker.TrackAllocation(ts, PymallocMalloc, address, size)
}

func (i *Interceptors) PymallocCalloc(ts *ThreadState, address, size uint64) {
	i.tracker.TrackAllocation(ts, PymallocCalloc, address, size)
}

func (i *Interceptors) PymallocRealloc(ts *ThreadState, address, size uint64) {
	i.tracker.TrackAllocation(ts, PymallocRealloc, address, size)
}

func (i *Interceptors) PymallocFree(ts *ThreadState, address uint64) {
	i.tracker.TrackDeallocation(ts, PymallocFree, address, 0)
}

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
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// activeTracker is the process-wide on/off gate. Allocation hot paths load
// it after checking the thread's recursion guard; everything else about the
// tracker travels through explicit references.
var activeTracker atomic.Pointer[Tracker]

// ErrTrackerActive is returned by CreateTracker while a session is running.
var ErrTrackerActive = errors.New("memtrace: a tracker is already active")

// TrackerConfig configures a tracking session.
type TrackerConfig struct {
	// MemoryInterval is the period of the background RSS sampler. Zero
	// disables it.
	MemoryInterval time.Duration
	// ReadRSS reads the process resident set size. Defaults to the
	// platform implementation. A zero reading deactivates tracking.
	ReadRSS func() (uint64, error)
	// NativeTraces captures the native stack on every allocation.
	NativeTraces bool
	// Unwinder produces native stacks; required with NativeTraces.
	Unwinder Unwinder
	// NativeSkipFrames drops that many innermost native frames (the
	// interceptor machinery itself).
	NativeSkipFrames int
	// ListImages enumerates loaded images for mapping records.
	ListImages ImageLister
	// Patcher, when set, is overwritten on activation and restored on
	// destruction.
	Patcher *SymbolPatcher
	// TraceRuntimeAllocators also hooks the runtime's small-object
	// allocator domain.
	TraceRuntimeAllocators bool
	// FollowFork clones the sink into forked children.
	FollowFork bool
	// FileFormat selects streaming or aggregated captures.
	FileFormat FileFormat
	// TrackObjectLifetimes enables object lifetime records.
	TrackObjectLifetimes bool
	// CommandLine is stored in the header.
	CommandLine string
	// PID is stored in the header.
	PID int32
}

// Tracker is the orchestrator of one tracking session: it wires the
// interceptors and profile hooks through the per-thread shadow stacks into
// the record writer, runs the background RSS sampler, and owns activation.
type Tracker struct {
	mu     sync.Mutex
	writer *RecordWriter
	config TrackerConfig
	rt     Runtime

	generation    uint64
	initialStacks map[uint64][]FrameState
	threads       map[uint64]*ThreadState
	nextTID       uint64

	codeIDs    map[*CodeObject]uint32
	nextCodeID uint32
	frames     *registry[frameKey]
	tree       *FrameTree

	// Aggregated-capture state, nil in streaming mode.
	hwm *HighWaterMarkAggregator

	startTime time.Time
	stop      chan struct{}
	done      chan struct{}
}

// trackerGeneration counts tracking sessions process-wide, so threads can
// detect that their shadow stack belongs to an older session.
var trackerGeneration atomic.Uint64

// CreateTracker starts a tracking session writing through w, profiling the
// given runtime (which may be nil when only native sources feed events).
// While the runtime's world is stopped it snapshots every thread's frame
// chain, installs the profile hooks, starts the RSS sampler, and finally
// overwrites allocator symbols.
func CreateTracker(w *RecordWriter, rt Runtime, cfg TrackerConfig) (*Tracker, error) {
	if cfg.ReadRSS == nil {
		cfg.ReadRSS = readProcessRSS
	}
	t := &Tracker{
		writer:        w,
		config:        cfg,
		rt:            rt,
		generation:    trackerGeneration.Add(1),
		initialStacks: make(map[uint64][]FrameState),
		threads:       make(map[uint64]*ThreadState),
		codeIDs:       make(map[*CodeObject]uint32),
		frames:        newRegistry[frameKey](),
		tree:          NewFrameTree(),
		startTime:     time.Now(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if cfg.FileFormat == AggregatedAllocations {
		t.hwm = NewHighWaterMarkAggregator()
	}
	if !activeTracker.CompareAndSwap(nil, t) {
		return nil, ErrTrackerActive
	}

	w.mu.Lock()
	w.header.FileFormat = cfg.FileFormat
	w.mu.Unlock()
	if _, err := w.WriteHeader(false); err != nil {
		activeTracker.Store(nil)
		return nil, err
	}

	if rt != nil {
		rt.StopTheWorld(func() {
			t.recordAllStacks()
			rt.InstallHooks(t, cfg.TraceRuntimeAllocators)
		})
	}

	if cfg.ListImages != nil {
		if err := t.InvalidateImages(); err != nil {
			log.Printf("tracker: could not record image mappings: %v", err)
		}
	}

	if cfg.MemoryInterval > 0 {
		go t.watchMemory()
	} else {
		close(t.done)
	}

	if cfg.Patcher != nil {
		cfg.Patcher.Overwrite()
	}
	return t, nil
}

// recordAllStacks snapshots every live runtime thread's frame chain as the
// initial stack of this session. A thread registered with this tracker
// starts from its snapshot; a thread state from an older session reloads it
// via the session generation the first time it allocates.
func (t *Tracker) recordAllStacks() {
	for _, info := range t.rt.Threads() {
		t.initialStacks[info.TID] = info.Frames
		if info.TID >= t.nextTID {
			t.nextTID = info.TID + 1
		}
	}
}

// Destroy deactivates the session: it restores patched symbols, removes the
// profile hooks, stops the sampler, writes the trailer and the final
// header, and closes the writer. It tolerates being called during runtime
// finalization and after a write failure already deactivated the session.
func (t *Tracker) Destroy() error {
	activeTracker.CompareAndSwap(t, nil)

	close(t.stop)
	<-t.done

	if t.config.Patcher != nil {
		t.config.Patcher.Restore()
	}
	if t.rt != nil {
		t.rt.InstallHooks(nil, false)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.hwm != nil {
		if err := t.writeAggregatedLocked(); err != nil {
			firstErr = err
		}
	}
	if err := t.writer.WriteTrailer(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.writer.WriteFinalHeader(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (t *Tracker) isActive() bool {
	return activeTracker.Load() == t
}

// IsActive reports whether this tracker is the live session.
func (t *Tracker) IsActive() bool {
	return t.isActive()
}

// deactivateLocked turns tracking off for the rest of the session after a
// write failure. The traced program keeps running; the capture simply ends
// here.
func (t *Tracker) deactivateLocked(err error) {
	if activeTracker.CompareAndSwap(t, nil) {
		log.Printf("tracker: deactivating after write failure: %v", err)
	}
}

// RegisterThread creates (or returns) the per-thread state for a runtime
// thread. The returned state must only be used from that thread.
func (t *Tracker) RegisterThread(tid uint64, name string) *ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.threads[tid]; ok {
		return ts
	}
	ts := &ThreadState{tid: tid, name: name, generation: t.generation}
	ts.shadow.reset(t.initialStacks[tid])
	t.threads[tid] = ts
	if tid >= t.nextTID {
		t.nextTID = tid + 1
	}
	return ts
}

func (t *Tracker) allocateTIDLocked() uint64 {
	tid := t.nextTID
	t.nextTID++
	return tid
}

// SetThreadName records the thread's name in the capture.
func (t *Tracker) SetThreadName(ts *ThreadState, name string) {
	if !ts.guard.Acquire() {
		return
	}
	defer ts.guard.Release()
	if !t.isActive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ts.name = name
	if err := t.writer.WriteThreadName(ts.tid, name); err != nil {
		t.deactivateLocked(err)
	}
}

// TrackAllocation records one allocation event on ts. This is the hot
// path: the recursion guard and the active pointer are checked lock-free
// before the tracker mutex is taken.
func (t *Tracker) TrackAllocation(ts *ThreadState, kind AllocatorKind, address, size uint64) {
	if !ts.guard.Acquire() {
		return
	}
	defer ts.guard.Release()
	if !t.isActive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackLocked(ts, kind, address, size)
}

// TrackDeallocation records a deallocation event. Callers notify before
// the real deallocation happens, so an address can never be recycled ahead
// of its deallocation record.
func (t *Tracker) TrackDeallocation(ts *ThreadState, kind AllocatorKind, address, size uint64) {
	t.TrackAllocation(ts, kind, address, size)
}

func (t *Tracker) trackLocked(ts *ThreadState, kind AllocatorKind, address, size uint64) {
	t.reloadIfStaleLocked(ts)
	if err := t.emitPendingLocked(ts); err != nil {
		t.deactivateLocked(err)
		return
	}

	var native uint32
	if t.config.NativeTraces && t.config.Unwinder != nil {
		trace := CollectNativeTrace(t.config.Unwinder, t.config.NativeSkipFrames)
		var err error
		if native, err = t.writer.InternNativeStack(trace.FramesOutermostFirst()); err != nil {
			t.deactivateLocked(err)
			return
		}
	}

	if t.hwm != nil {
		t.hwm.Process(Allocation{
			TID:           ts.tid,
			Address:       address,
			Size:          size,
			Allocator:     kind,
			FrameIndex:    ts.leaf,
			NativeFrameID: native,
			NAllocations:  1,
		})
		return
	}

	if err := t.writer.WriteAllocation(ts.tid, kind, address, size, native); err != nil {
		t.deactivateLocked(err)
	}
}

// TrackObject records a managed object lifetime event when enabled.
func (t *Tracker) TrackObject(ts *ThreadState, address uint64, created bool) {
	if !t.config.TrackObjectLifetimes {
		return
	}
	if !ts.guard.Acquire() {
		return
	}
	defer ts.guard.Release()
	if !t.isActive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.WriteObjectRecord(address, created); err != nil {
		t.deactivateLocked(err)
	}
}

// InvalidateImages re-reads the loaded image set and appends a fresh set of
// mapping records; the reader starts a new segment generation. Interceptors
// call it on dlopen and dlclose.
func (t *Tracker) InvalidateImages() error {
	if t.config.ListImages == nil {
		return nil
	}
	images, err := t.config.ListImages()
	if err != nil {
		return err
	}
	return t.writer.WriteMappings(images)
}

// watchMemory is the background RSS sampler. It runs detached from any
// runtime thread and owns no ThreadState: nothing it does goes through the
// interceptors.
func (t *Tracker) watchMemory() {
	defer close(t.done)
	ticker := time.NewTicker(t.config.MemoryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}
		if !t.isActive() {
			return
		}
		rss, err := t.config.ReadRSS()
		if err != nil || rss == 0 {
			t.mu.Lock()
			t.deactivateLocked(errors.New("rss reading unavailable"))
			t.mu.Unlock()
			return
		}
		ms := uint64(time.Since(t.startTime).Milliseconds())
		t.mu.Lock()
		if t.hwm != nil {
			err = t.writer.WriteMemorySnapshot(&MemorySnapshot{
				MillisSinceStart: ms,
				RSS:              rss,
				Heap:             t.hwm.CurrentHeapSize(),
			})
		} else {
			err = t.writer.WriteMemoryRecord(ms, rss)
		}
		if err != nil {
			t.deactivateLocked(err)
		}
		t.mu.Unlock()
	}
}

// writeAggregatedLocked folds the high-water-mark aggregator into the
// aggregated records of an AggregatedAllocations capture.
func (t *Tracker) writeAggregatedLocked() error {
	for _, entry := range t.hwm.Entries() {
		if err := t.writer.WriteAggregatedAllocation(&entry); err != nil {
			return err
		}
	}
	return nil
}

// PrepareFork raises the calling thread's recursion guard so allocations
// made by the fork machinery itself are not recorded.
func (t *Tracker) PrepareFork(ts *ThreadState) {
	ts.guard.Acquire()
}

// ParentFork drops the guard in the parent after the fork.
func (t *Tracker) ParentFork(ts *ThreadState) {
	ts.guard.Release()
}

// ChildFork re-establishes tracking in a forked child. The old session is
// intentionally leaked: its mutexes may be held by threads that do not
// exist in the child. With FollowFork set and a clonable sink, a new
// tracker writes the child's capture; otherwise the child runs untracked.
func (t *Tracker) ChildFork() (*Tracker, error) {
	activeTracker.Store(nil)
	if !t.config.FollowFork {
		return nil, nil
	}
	clone, err := t.writer.CloneInChild()
	if err != nil || clone == nil {
		return nil, err
	}
	return CreateTracker(clone, t.rt, t.config)
}

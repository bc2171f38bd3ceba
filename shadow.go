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

// lazilyEmittedFrame is one shadow stack entry. Nothing is written when a
// frame is pushed; the writer sees it the first time the thread records an
// allocation. emittedOffset remembers the instruction offset that was
// recorded, so a frame whose offset moved since can be re-emitted.
type lazilyEmittedFrame struct {
	frame         FrameState
	frameID       uint32
	emittedOffset int32
	emitted       bool
}

// shadowStack mirrors one thread's managed frame chain. The invariant is
// that the contiguous prefix of emitted entries is exactly what the writer
// has recorded as pushed for this thread, minus pendingPops trailing pops
// not yet written.
type shadowStack struct {
	frames      []lazilyEmittedFrame
	pendingPops uint32
}

func (s *shadowStack) push(frame FrameState) {
	s.frames = append(s.frames, lazilyEmittedFrame{frame: frame})
}

// pop drops the top entry, counting a pending pop if the entry had been
// emitted. It reports whether there was a frame to pop; popping an empty
// stack means the shadow stack desynchronized from the runtime.
func (s *shadowStack) pop() bool {
	if len(s.frames) == 0 {
		return false
	}
	top := &s.frames[len(s.frames)-1]
	if top.emitted {
		s.pendingPops++
	}
	s.frames = s.frames[:len(s.frames)-1]
	return true
}

// clear empties the stack, counting pending pops for every emitted frame.
func (s *shadowStack) clear() {
	for i := range s.frames {
		if s.frames[i].emitted {
			s.pendingPops++
		}
	}
	s.frames = s.frames[:0]
}

// reset discards everything, including pending pops. Used when a new
// tracking session begins and the old capture no longer exists.
func (s *shadowStack) reset(frames []FrameState) {
	s.frames = s.frames[:0]
	s.pendingPops = 0
	for _, f := range frames {
		s.push(f)
	}
}

// OnCall records that the thread entered a managed frame. Called from the
// runtime's profile callback on the thread itself; it touches only
// thread-local state.
func (t *Tracker) OnCall(ts *ThreadState, frame FrameState) {
	ts.shadow.push(frame)
}

// OnReturn records that the top managed frame returned. A pop on an empty
// shadow stack is a desync (the profile hook missed events); it is ignored
// here, and the stack is rebuilt from the live chain when the runtime calls
// ResyncThread.
func (t *Tracker) OnReturn(ts *ThreadState) {
	ts.shadow.pop()
}

// UpdateTopOffset refreshes the instruction offset of the thread's top
// frame. The runtime calls it when the frame advances to a new call site,
// so the next allocation is attributed to the right line.
func (t *Tracker) UpdateTopOffset(ts *ThreadState, offset int32) {
	if n := len(ts.shadow.frames); n > 0 {
		ts.shadow.frames[n-1].frame.InstructionOffset = offset
	}
}

// OnCoroutineSwitch handles a coroutine context switch on ts: the logical
// thread id travels with the coroutine. The current id is persisted on the
// outgoing coroutine, the incoming coroutine's id (or a fresh one) becomes
// the thread's id, and the shadow stack is rebuilt from the incoming live
// frame chain.
func (t *Tracker) OnCoroutineSwitch(ts *ThreadState, from, to Coroutine, liveFrames []FrameState) {
	if !ts.guard.Acquire() {
		return
	}
	defer ts.guard.Release()
	if !t.isActive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reloadIfStaleLocked(ts)
	ts.shadow.clear()
	if ts.shadow.pendingPops > 0 {
		if err := t.writer.WriteFramePop(ts.tid, ts.shadow.pendingPops); err != nil {
			t.deactivateLocked(err)
			return
		}
		ts.shadow.pendingPops = 0
		ts.leaf = 0
	}

	if from != nil {
		from.SetProfilerTID(ts.tid)
	}
	if to != nil {
		if tid, ok := to.ProfilerTID(); ok {
			ts.tid = tid
		} else {
			ts.tid = t.allocateTIDLocked()
			to.SetProfilerTID(ts.tid)
		}
	}
	ts.shadow.reset(liveFrames)
}

// ResyncThread recovers from a shadow stack desync: when the runtime's
// frame chain no longer matches the shadow stack (the profile hook missed
// events while uninstalled), pops are emitted for every recorded frame and
// the shadow stack is rebuilt from the live chain.
func (t *Tracker) ResyncThread(ts *ThreadState, liveFrames []FrameState) {
	if !ts.guard.Acquire() {
		return
	}
	defer ts.guard.Release()
	if !t.isActive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reloadIfStaleLocked(ts)
	ts.shadow.clear()
	if ts.shadow.pendingPops > 0 {
		if err := t.writer.WriteFramePop(ts.tid, ts.shadow.pendingPops); err != nil {
			t.deactivateLocked(err)
			return
		}
		ts.shadow.pendingPops = 0
		ts.leaf = 0
	}
	ts.shadow.reset(liveFrames)
}

// reloadIfStaleLocked synchronizes ts with the current tracking session: a
// thread that cached an older generation discards its shadow stack and
// reloads the initial stack captured for it when the session began.
func (t *Tracker) reloadIfStaleLocked(ts *ThreadState) {
	if ts.generation == t.generation {
		return
	}
	ts.shadow.reset(t.initialStacks[ts.tid])
	ts.generation = t.generation
	ts.leaf = 0
}

// emitPendingLocked brings the writer up to date with ts's shadow stack
// right before an allocation record. Frames whose recorded instruction
// offset went stale are cancelled with a pop and re-pushed; everything not
// yet emitted is pushed oldest first, preceded by a single pop record
// carrying the accumulated pop count.
func (t *Tracker) emitPendingLocked(ts *ThreadState) error {
	s := &ts.shadow

	i := len(s.frames)
	for i > 0 {
		f := &s.frames[i-1]
		if f.emitted {
			if f.emittedOffset == f.frame.InstructionOffset {
				break
			}
			f.emitted = false
			s.pendingPops++
		}
		i--
	}

	if s.pendingPops > 0 {
		if err := t.writer.WriteFramePop(ts.tid, s.pendingPops); err != nil {
			return err
		}
		for n := s.pendingPops; n > 0 && ts.leaf != 0; n-- {
			_, ts.leaf = t.tree.WalkTo(ts.leaf)
		}
		s.pendingPops = 0
	}

	for ; i < len(s.frames); i++ {
		f := &s.frames[i]
		id, err := t.internFrameLocked(f.frame)
		if err != nil {
			return err
		}
		if err := t.writer.WriteFramePush(ts.tid, id, f.frame.IsEntry); err != nil {
			return err
		}
		f.frameID = id
		f.emittedOffset = f.frame.InstructionOffset
		f.emitted = true
		ts.leaf = t.tree.GetOrCreateChild(ts.leaf, id, nil)
	}
	return nil
}

// internFrameLocked assigns wire ids to the frame's code object and to the
// frame itself, publishing registry records before the first use of either
// id.
func (t *Tracker) internFrameLocked(frame FrameState) (uint32, error) {
	coID, ok := t.codeIDs[frame.Code]
	if !ok {
		t.nextCodeID++
		coID = t.nextCodeID
		if err := t.writer.WriteCodeObject(coID, frame.Code); err != nil {
			return 0, err
		}
		t.codeIDs[frame.Code] = coID
	}
	key := frameKey{
		codeObjectID:      coID,
		instructionOffset: frame.InstructionOffset,
		isEntry:           frame.IsEntry,
	}
	id, fresh := t.frames.intern(key)
	if fresh {
		if err := t.writer.WriteFrameIndex(id, key); err != nil {
			return 0, err
		}
	}
	return id, nil
}

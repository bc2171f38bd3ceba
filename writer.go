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
	"encoding/binary"
	"sync"
	"time"
)

// RecordWriter encodes the capture record stream. It is the single writer of
// its sink: all methods take an internal mutex, so events from concurrent
// threads are totally ordered in the log.
//
// Integers that are not inherently sized are LEB128 varints; signed values
// use zigzag. Four groups of fields are delta-encoded against the previous
// value in their group: allocation addresses, native instruction pointers,
// native frame ids, and managed frame ids. The active thread id is encoded
// by inserting a context-switch record whenever it changes.
type RecordWriter struct {
	mu     sync.Mutex
	sink   Sink
	header Header
	buf    []byte

	tidValid        bool
	lastTID         uint64
	lastAddress     uint64
	lastFrameID     uint32
	lastNativeFrame uint32
	lastIP          uint64
	lastNativeIndex uint32

	nativeNodes map[nativeNodeKey]uint32
	nativeCount uint32
}

type nativeNodeKey struct {
	parent uint32
	ip     uint64
}

// NewRecordWriter wraps sink with a writer carrying the given header. The
// header is not written until WriteHeader is called.
func NewRecordWriter(sink Sink, header Header) *RecordWriter {
	header.Version = FormatVersion
	if header.Stats.StartTimeMS == 0 {
		header.Stats.StartTimeMS = time.Now().UnixMilli()
	}
	return &RecordWriter{
		sink:        sink,
		header:      header,
		nativeNodes: make(map[nativeNodeKey]uint32),
	}
}

// Header returns a copy of the writer's header, including the running
// statistics.
func (w *RecordWriter) Header() Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.header
}

func (w *RecordWriter) appendByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *RecordWriter) appendUvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *RecordWriter) appendVarint(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

func (w *RecordWriter) appendDelta(prev *uint64, v uint64) {
	w.appendVarint(int64(v - *prev))
	*prev = v
}

func (w *RecordWriter) appendDelta32(prev *uint32, v uint32) {
	w.appendVarint(int64(int32(v - *prev)))
	*prev = v
}

func (w *RecordWriter) appendCString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (w *RecordWriter) appendU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *RecordWriter) appendU64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// flush hands the scratch buffer to the sink as one write.
func (w *RecordWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.sink.WriteAll(w.buf)
	w.buf = w.buf[:0]
	return err
}

// switchThread prepends a context-switch record when tid differs from the
// thread of the previous per-thread record.
func (w *RecordWriter) switchThread(tid uint64) {
	if w.tidValid && w.lastTID == tid {
		return
	}
	w.appendByte(tagContextSwitch)
	w.appendU64(tid)
	w.tidValid = true
	w.lastTID = tid
}

// WriteHeader writes the header. With seekToStart set it first repositions
// the sink at offset zero; it returns false without writing when the sink
// cannot seek.
func (w *RecordWriter) WriteHeader(seekToStart bool) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seekToStart && !w.sink.SeekToStart() {
		return false, nil
	}
	h := &w.header
	w.buf = append(w.buf, captureMagic[:]...)
	w.appendU32(h.Version)
	w.appendU32(h.RuntimeVersion.pack())
	w.appendByte(boolByte(h.NativeTraces))
	w.appendByte(byte(h.FileFormat))
	w.appendU64(h.Stats.NAllocations)
	w.appendU64(h.Stats.NFrames)
	w.appendU64(uint64(h.Stats.StartTimeMS))
	w.appendU64(uint64(h.Stats.EndTimeMS))
	w.appendCString(h.CommandLine)
	w.appendU32(uint32(h.PID))
	w.appendU64(h.MainTID)
	w.appendU64(h.SkippedFramesOnMainTID)
	w.appendByte(h.RuntimeAllocator)
	w.appendByte(boolByte(h.TraceRuntimeAllocators))
	w.appendByte(boolByte(h.TrackObjectLifetimes))
	return true, w.flush()
}

// WriteFinalHeader stamps the end time and rewrites the header in place,
// best effort: on an unseekable sink the stream is left as is.
func (w *RecordWriter) WriteFinalHeader() error {
	w.mu.Lock()
	w.header.Stats.EndTimeMS = time.Now().UnixMilli()
	w.mu.Unlock()
	_, err := w.WriteHeader(true)
	return err
}

// WriteTrailer terminates the record stream. The trailer byte is nonzero so
// that readers can distinguish it from chunk padding.
func (w *RecordWriter) WriteTrailer() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.appendByte(tagTrailer)
	if err := w.flush(); err != nil {
		return err
	}
	return w.sink.Flush()
}

// WriteAllocation appends one allocation or deallocation event. Size is
// omitted on the wire for simple deallocators, whose size is implied by the
// allocation they release; ranged deallocators carry the released length.
// nativeFrame is the native trace index from InternNativeStack, or zero.
func (w *RecordWriter) WriteAllocation(tid uint64, kind AllocatorKind, address, size uint64, nativeFrame uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.switchThread(tid)
	tag := byte(tagAllocation) | byte(kind)
	if nativeFrame != 0 {
		tag |= allocationNativeBit
	}
	w.appendByte(tag)
	w.appendDelta(&w.lastAddress, address)
	if kind.Class() != SimpleDeallocator {
		w.appendUvarint(size)
	}
	if nativeFrame != 0 {
		w.appendDelta32(&w.lastNativeFrame, nativeFrame)
	}
	w.header.Stats.NAllocations++
	return w.flush()
}

// WriteFramePush records that frameID became the top of tid's stack.
func (w *RecordWriter) WriteFramePush(tid uint64, frameID uint32, entry bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.switchThread(tid)
	tag := byte(tagFramePush)
	if entry {
		tag |= framePushEntryBit
	}
	w.appendByte(tag)
	w.appendDelta32(&w.lastFrameID, frameID)
	w.header.Stats.NFrames++
	return w.flush()
}

// WriteFramePop records count pops from tid's stack. Counts above 16 are
// split across records.
func (w *RecordWriter) WriteFramePop(tid uint64, count uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.switchThread(tid)
	for count > 0 {
		n := count
		if n > framePopMaxCount {
			n = framePopMaxCount
		}
		w.appendByte(byte(tagFramePop) | byte(n-1))
		count -= n
	}
	return w.flush()
}

// WriteFrameIndex publishes the wire identity of a new frame id. It must be
// written before the first push referencing the id.
func (w *RecordWriter) WriteFrameIndex(frameID uint32, key frameKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendByte(tagFrameIndex)
	w.appendUvarint(uint64(frameID))
	w.appendUvarint(uint64(key.codeObjectID))
	w.appendVarint(int64(key.instructionOffset))
	w.appendByte(boolByte(key.isEntry))
	return w.flush()
}

// WriteCodeObject publishes a code object referenced by later frame-index
// records.
func (w *RecordWriter) WriteCodeObject(id uint32, co *CodeObject) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendByte(tagCodeObject)
	w.appendUvarint(uint64(id))
	w.appendCString(co.Function)
	w.appendCString(co.Filename)
	w.appendUvarint(uint64(len(co.Linetable)))
	w.buf = append(w.buf, co.Linetable...)
	w.appendUvarint(uint64(co.FirstLineno))
	return w.flush()
}

// WriteThreadName records the current name of tid.
func (w *RecordWriter) WriteThreadName(tid uint64, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.switchThread(tid)
	w.appendByte(tagThreadRecord)
	w.appendCString(name)
	return w.flush()
}

// WriteMemoryRecord appends a resident-set-size sample.
func (w *RecordWriter) WriteMemoryRecord(millisSinceStart, rss uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendByte(tagMemoryRecord)
	w.appendUvarint(rss)
	w.appendUvarint(millisSinceStart)
	return w.flush()
}

// WriteMappings replaces the reader's view of loaded images. Every call
// starts a new native segment generation.
func (w *RecordWriter) WriteMappings(images []ImageSegments) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendByte(tagMemoryMapStart)
	for i := range images {
		img := &images[i]
		w.appendByte(tagSegmentHeader)
		w.appendCString(img.Filename)
		w.appendUvarint(uint64(len(img.Segments)))
		w.appendU64(img.LoadAddress)
		for _, seg := range img.Segments {
			w.appendByte(tagSegment)
			w.appendU64(seg.VAddr)
			w.appendUvarint(seg.Memsz)
		}
	}
	return w.flush()
}

// InternNativeStack assigns a native trace index to the given stack of
// instruction pointers, outermost frame first, emitting index records for
// path nodes not seen before. The returned index is referenced by
// allocation records; zero means an empty stack.
func (w *RecordWriter) InternNativeStack(ips []uint64) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	parent := uint32(0)
	for _, ip := range ips {
		key := nativeNodeKey{parent: parent, ip: ip}
		index, ok := w.nativeNodes[key]
		if !ok {
			w.appendByte(tagNativeTraceIndex)
			w.appendDelta(&w.lastIP, ip)
			w.appendDelta32(&w.lastNativeIndex, parent)
			if err := w.flush(); err != nil {
				return 0, err
			}
			w.nativeCount++
			index = w.nativeCount
			w.nativeNodes[key] = index
		}
		parent = index
	}
	return parent, nil
}

// WriteObjectRecord appends a managed object lifetime event.
func (w *RecordWriter) WriteObjectRecord(address uint64, created bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendByte(tagObjectRecord)
	w.appendDelta(&w.lastAddress, address)
	w.appendByte(boolByte(created))
	return w.flush()
}

// WriteAggregatedAllocation appends one entry of an aggregated capture.
func (w *RecordWriter) WriteAggregatedAllocation(a *AggregatedAllocation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendByte(tagAggregatedAllocation)
	w.appendUvarint(a.TID)
	w.appendUvarint(uint64(a.FrameIndex))
	w.appendUvarint(uint64(a.NativeFrameID))
	w.appendByte(byte(a.Allocator))
	w.appendUvarint(a.NAllocationsInHighWaterMark)
	w.appendUvarint(a.NBytesInHighWaterMark)
	w.appendUvarint(a.NAllocationsLeaked)
	w.appendUvarint(a.NBytesLeaked)
	return w.flush()
}

// WriteMemorySnapshot appends an aggregated-capture memory sample.
func (w *RecordWriter) WriteMemorySnapshot(s *MemorySnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.appendByte(tagMemorySnapshot)
	w.appendUvarint(s.MillisSinceStart)
	w.appendUvarint(s.RSS)
	w.appendUvarint(s.Heap)
	return w.flush()
}

// Flush forces buffered bytes to the sink.
func (w *RecordWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.Flush()
}

// Close closes the underlying sink.
func (w *RecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.Close()
}

// CloneInChild produces a writer for a forked child process, carrying the
// same header, targeting the sink's child clone. It returns nil when the
// sink cannot follow a fork.
func (w *RecordWriter) CloneInChild() (*RecordWriter, error) {
	w.mu.Lock()
	header := w.header
	w.mu.Unlock()

	sink, err := w.sink.CloneInChild()
	if err != nil || sink == nil {
		return nil, err
	}
	header.Stats = HeaderStats{StartTimeMS: time.Now().UnixMilli()}
	return NewRecordWriter(sink, header), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

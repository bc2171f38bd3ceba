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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader-side format errors.
var (
	ErrBadMagic  = errors.New("memtrace: not a capture file")
	ErrBadRecord = errors.New("memtrace: malformed record")
)

// RecordType is what NextRecord surfaced to the caller. Records that only
// mutate replay state (pushes, pops, context switches, registries) are
// consumed internally and never surfaced.
type RecordType int

const (
	RecordEndOfFile RecordType = iota
	RecordError
	RecordAllocation
	RecordAggregatedAllocation
	RecordMemory
	RecordMemorySnapshot
	RecordObject
)

type nativeNode struct {
	ip         uint64
	parent     uint32
	generation uint32
}

// NativeFrame is one native stack entry with the segment generation that
// was live when it was recorded, used to resolve the instruction pointer
// against the right image even if it was since unloaded.
type NativeFrame struct {
	IP                uint64
	SegmentGeneration uint32
}

// RecordReader replays a capture stream: it decodes records, reconstructs
// the frame tree and per-thread stacks, and surfaces allocation and memory
// records. It is the inverse of RecordWriter and must be driven from a
// single goroutine.
type RecordReader struct {
	r      *bufio.Reader
	header Header

	tree        *FrameTree
	frameKeys   map[uint32]frameKey
	codeObjects map[uint32]*CodeObject
	stacks      map[uint64]uint32
	threadNames map[uint64]string

	currentTID      uint64
	lastAddress     uint64
	lastFrameID     uint32
	lastNativeFrame uint32
	lastIP          uint64
	lastNativeIndex uint32

	nativeNodes   []nativeNode
	segGeneration uint32
	images        []ImageSegments
	pendingImage  *ImageSegments

	allocation     Allocation
	aggregated     AggregatedAllocation
	memoryRecord   MemoryRecord
	memorySnapshot MemorySnapshot
	objectRecord   ObjectRecord

	frameCache map[frameKey]Frame

	err    error
	closed bool
}

// NewRecordReader parses the header from r and prepares replay state.
func NewRecordReader(r io.Reader) (*RecordReader, error) {
	rd := &RecordReader{
		r:           bufio.NewReader(r),
		tree:        NewFrameTree(),
		frameKeys:   make(map[uint32]frameKey),
		codeObjects: make(map[uint32]*CodeObject),
		stacks:      make(map[uint64]uint32),
		threadNames: make(map[uint64]string),
		frameCache:  make(map[frameKey]Frame),
	}
	if err := rd.readHeader(); err != nil {
		return nil, err
	}
	return rd, nil
}

// OpenCapture opens a capture file. The caller owns closing the returned
// file once done with the reader.
func OpenCapture(path string) (*RecordReader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r, err := NewRecordReader(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// Header returns the capture header.
func (r *RecordReader) Header() Header {
	return r.header
}

// Err returns the error that moved the reader into the closed state, if any.
func (r *RecordReader) Err() error {
	return r.err
}

func (r *RecordReader) readHeader() error {
	var magic [6]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if magic != captureMagic {
		return ErrBadMagic
	}
	h := &r.header
	var err error
	if h.Version, err = r.readU32(); err != nil {
		return err
	}
	if h.Version > FormatVersion {
		return fmt.Errorf("memtrace: unsupported capture version %d", h.Version)
	}
	var rv uint32
	if rv, err = r.readU32(); err != nil {
		return err
	}
	h.RuntimeVersion = unpackRuntimeVersion(rv)
	var b byte
	if b, err = r.r.ReadByte(); err != nil {
		return err
	}
	h.NativeTraces = b != 0
	if b, err = r.r.ReadByte(); err != nil {
		return err
	}
	h.FileFormat = FileFormat(b)
	if h.Stats.NAllocations, err = r.readU64(); err != nil {
		return err
	}
	if h.Stats.NFrames, err = r.readU64(); err != nil {
		return err
	}
	var u uint64
	if u, err = r.readU64(); err != nil {
		return err
	}
	h.Stats.StartTimeMS = int64(u)
	if u, err = r.readU64(); err != nil {
		return err
	}
	h.Stats.EndTimeMS = int64(u)
	if h.CommandLine, err = r.readCString(); err != nil {
		return err
	}
	var pid uint32
	if pid, err = r.readU32(); err != nil {
		return err
	}
	h.PID = int32(pid)
	if h.MainTID, err = r.readU64(); err != nil {
		return err
	}
	if h.SkippedFramesOnMainTID, err = r.readU64(); err != nil {
		return err
	}
	if h.RuntimeAllocator, err = r.r.ReadByte(); err != nil {
		return err
	}
	if b, err = r.r.ReadByte(); err != nil {
		return err
	}
	h.TraceRuntimeAllocators = b != 0
	if b, err = r.r.ReadByte(); err != nil {
		return err
	}
	h.TrackObjectLifetimes = b != 0
	return nil
}

func (r *RecordReader) readU32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *RecordReader) readU64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *RecordReader) readUvarint() (uint64, error) {
	return binary.ReadUvarint(r.r)
}

func (r *RecordReader) readVarint() (int64, error) {
	return binary.ReadVarint(r.r)
}

func (r *RecordReader) readCString() (string, error) {
	s, err := r.r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func (r *RecordReader) readDelta(prev *uint64) (uint64, error) {
	d, err := r.readVarint()
	if err != nil {
		return 0, err
	}
	*prev += uint64(d)
	return *prev, nil
}

func (r *RecordReader) readDelta32(prev *uint32) (uint32, error) {
	d, err := r.readVarint()
	if err != nil {
		return 0, err
	}
	*prev += uint32(int32(d))
	return *prev, nil
}

// NextRecord decodes records until one is worth surfacing: an allocation,
// an aggregated allocation, a memory record or snapshot, an object record,
// the end of the stream, or an error. Truncation in the middle of the last
// record is treated as end of stream; at most that record is lost.
func (r *RecordReader) NextRecord() RecordType {
	if r.closed {
		if r.err != nil {
			return RecordError
		}
		return RecordEndOfFile
	}
	for {
		tag, err := r.r.ReadByte()
		if err != nil {
			r.closed = true
			if errors.Is(err, io.EOF) {
				return RecordEndOfFile
			}
			r.err = err
			return RecordError
		}
		rt, surfaced, err := r.dispatch(tag)
		if err != nil {
			r.closed = true
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// The process died mid-record; everything before
				// this record is valid.
				return RecordEndOfFile
			}
			r.err = err
			return RecordError
		}
		if surfaced {
			return rt
		}
	}
}

func (r *RecordReader) dispatch(tag byte) (RecordType, bool, error) {
	switch {
	case tag&tagAllocation != 0:
		return RecordAllocation, true, r.parseAllocation(tag)
	case tag&tagFramePush != 0:
		return 0, false, r.parseFramePush(tag)
	case tag&tagFramePop != 0:
		r.parseFramePop(tag)
		return 0, false, nil
	}
	switch tag {
	case tagFiller:
		return 0, false, nil
	case tagTrailer:
		r.closed = true
		return RecordEndOfFile, true, nil
	case tagContextSwitch:
		tid, err := r.readU64()
		r.currentTID = tid
		return 0, false, err
	case tagThreadRecord:
		name, err := r.readCString()
		if err == nil {
			r.threadNames[r.currentTID] = name
		}
		return 0, false, err
	case tagFrameIndex:
		return 0, false, r.parseFrameIndex()
	case tagCodeObject:
		return 0, false, r.parseCodeObject()
	case tagMemoryRecord:
		var err error
		if r.memoryRecord.RSS, err = r.readUvarint(); err != nil {
			return 0, false, err
		}
		if r.memoryRecord.MillisSinceStart, err = r.readUvarint(); err != nil {
			return 0, false, err
		}
		return RecordMemory, true, nil
	case tagMemoryMapStart:
		r.images = nil
		r.pendingImage = nil
		r.segGeneration++
		return 0, false, nil
	case tagSegmentHeader:
		return 0, false, r.parseSegmentHeader()
	case tagSegment:
		return 0, false, r.parseSegment()
	case tagNativeTraceIndex:
		return 0, false, r.parseNativeTraceIndex()
	case tagObjectRecord:
		return RecordObject, true, r.parseObjectRecord()
	case tagAggregatedAllocation:
		return RecordAggregatedAllocation, true, r.parseAggregatedAllocation()
	case tagMemorySnapshot:
		return RecordMemorySnapshot, true, r.parseMemorySnapshot()
	default:
		return 0, false, fmt.Errorf("%w: unknown tag %#02x", ErrBadRecord, tag)
	}
}

func (r *RecordReader) parseAllocation(tag byte) error {
	kind := AllocatorKind(tag &^ (tagAllocation | allocationNativeBit))
	if kind >= numAllocators {
		return fmt.Errorf("%w: allocator %d", ErrBadRecord, kind)
	}
	address, err := r.readDelta(&r.lastAddress)
	if err != nil {
		return err
	}
	var size uint64
	if kind.Class() != SimpleDeallocator {
		if size, err = r.readUvarint(); err != nil {
			return err
		}
	}
	var native uint32
	var generation uint32
	if tag&allocationNativeBit != 0 {
		if native, err = r.readDelta32(&r.lastNativeFrame); err != nil {
			return err
		}
		if int(native) > len(r.nativeNodes) {
			return fmt.Errorf("%w: native frame %d not yet defined", ErrBadRecord, native)
		}
		if native > 0 {
			generation = r.nativeNodes[native-1].generation
		}
	}
	r.allocation = Allocation{
		TID:                     r.currentTID,
		Address:                 address,
		Size:                    size,
		Allocator:               kind,
		FrameIndex:              r.stacks[r.currentTID],
		NativeFrameID:           native,
		NativeSegmentGeneration: generation,
		NAllocations:            1,
	}
	return nil
}

func (r *RecordReader) parseFramePush(tag byte) error {
	frameID, err := r.readDelta32(&r.lastFrameID)
	if err != nil {
		return err
	}
	leaf := r.stacks[r.currentTID]
	r.stacks[r.currentTID] = r.tree.GetOrCreateChild(leaf, frameID, nil)
	_ = tag & framePushEntryBit // the entry bit is carried by the frame key
	return nil
}

func (r *RecordReader) parseFramePop(tag byte) {
	count := uint32(tag&framePopCountMask) + 1
	leaf := r.stacks[r.currentTID]
	for ; count > 0 && leaf != 0; count-- {
		_, leaf = r.tree.WalkTo(leaf)
	}
	r.stacks[r.currentTID] = leaf
}

func (r *RecordReader) parseFrameIndex() error {
	id, err := r.readUvarint()
	if err != nil {
		return err
	}
	codeID, err := r.readUvarint()
	if err != nil {
		return err
	}
	offset, err := r.readVarint()
	if err != nil {
		return err
	}
	entry, err := r.r.ReadByte()
	if err != nil {
		return err
	}
	r.frameKeys[uint32(id)] = frameKey{
		codeObjectID:      uint32(codeID),
		instructionOffset: int32(offset),
		isEntry:           entry != 0,
	}
	return nil
}

func (r *RecordReader) parseCodeObject() error {
	id, err := r.readUvarint()
	if err != nil {
		return err
	}
	co := new(CodeObject)
	if co.Function, err = r.readCString(); err != nil {
		return err
	}
	if co.Filename, err = r.readCString(); err != nil {
		return err
	}
	n, err := r.readUvarint()
	if err != nil {
		return err
	}
	co.Linetable = make([]byte, n)
	if _, err := io.ReadFull(r.r, co.Linetable); err != nil {
		return err
	}
	first, err := r.readUvarint()
	if err != nil {
		return err
	}
	co.FirstLineno = int(first)
	r.codeObjects[uint32(id)] = co
	return nil
}

func (r *RecordReader) parseSegmentHeader() error {
	filename, err := r.readCString()
	if err != nil {
		return err
	}
	if _, err := r.readUvarint(); err != nil { // segment count, implied by records
		return err
	}
	base, err := r.readU64()
	if err != nil {
		return err
	}
	r.images = append(r.images, ImageSegments{Filename: filename, LoadAddress: base})
	r.pendingImage = &r.images[len(r.images)-1]
	return nil
}

func (r *RecordReader) parseSegment() error {
	if r.pendingImage == nil {
		return fmt.Errorf("%w: segment without segment header", ErrBadRecord)
	}
	vaddr, err := r.readU64()
	if err != nil {
		return err
	}
	memsz, err := r.readUvarint()
	if err != nil {
		return err
	}
	r.pendingImage.Segments = append(r.pendingImage.Segments, Segment{VAddr: vaddr, Memsz: memsz})
	return nil
}

func (r *RecordReader) parseNativeTraceIndex() error {
	ip, err := r.readDelta(&r.lastIP)
	if err != nil {
		return err
	}
	parent, err := r.readDelta32(&r.lastNativeIndex)
	if err != nil {
		return err
	}
	if int(parent) > len(r.nativeNodes) {
		return fmt.Errorf("%w: native parent %d not yet defined", ErrBadRecord, parent)
	}
	r.nativeNodes = append(r.nativeNodes, nativeNode{
		ip:         ip,
		parent:     parent,
		generation: r.segGeneration,
	})
	return nil
}

func (r *RecordReader) parseObjectRecord() error {
	address, err := r.readDelta(&r.lastAddress)
	if err != nil {
		return err
	}
	created, err := r.r.ReadByte()
	if err != nil {
		return err
	}
	r.objectRecord = ObjectRecord{Address: address, IsCreated: created != 0}
	return nil
}

func (r *RecordReader) parseAggregatedAllocation() error {
	a := &r.aggregated
	var err error
	if a.TID, err = r.readUvarint(); err != nil {
		return err
	}
	var u uint64
	if u, err = r.readUvarint(); err != nil {
		return err
	}
	a.FrameIndex = uint32(u)
	if u, err = r.readUvarint(); err != nil {
		return err
	}
	a.NativeFrameID = uint32(u)
	b, err := r.r.ReadByte()
	if err != nil {
		return err
	}
	a.Allocator = AllocatorKind(b)
	if a.NAllocationsInHighWaterMark, err = r.readUvarint(); err != nil {
		return err
	}
	if a.NBytesInHighWaterMark, err = r.readUvarint(); err != nil {
		return err
	}
	if a.NAllocationsLeaked, err = r.readUvarint(); err != nil {
		return err
	}
	if a.NBytesLeaked, err = r.readUvarint(); err != nil {
		return err
	}
	return nil
}

func (r *RecordReader) parseMemorySnapshot() error {
	s := &r.memorySnapshot
	var err error
	if s.MillisSinceStart, err = r.readUvarint(); err != nil {
		return err
	}
	if s.RSS, err = r.readUvarint(); err != nil {
		return err
	}
	if s.Heap, err = r.readUvarint(); err != nil {
		return err
	}
	return nil
}

// Allocation returns the allocation surfaced by the last NextRecord call.
func (r *RecordReader) Allocation() Allocation {
	return r.allocation
}

// AggregatedAllocation returns the last surfaced aggregated record.
func (r *RecordReader) AggregatedAllocation() AggregatedAllocation {
	return r.aggregated
}

// MemoryRecord returns the last surfaced memory record.
func (r *RecordReader) MemoryRecord() MemoryRecord {
	return r.memoryRecord
}

// MemorySnapshot returns the last surfaced memory snapshot.
func (r *RecordReader) MemorySnapshot() MemorySnapshot {
	return r.memorySnapshot
}

// ObjectRecord returns the last surfaced object record.
func (r *RecordReader) ObjectRecord() ObjectRecord {
	return r.objectRecord
}

// ThreadName returns the most recent name recorded for tid.
func (r *RecordReader) ThreadName(tid uint64) string {
	return r.threadNames[tid]
}

// StackLeaf returns the current frame tree leaf of tid in the replay.
func (r *RecordReader) StackLeaf(tid uint64) uint32 {
	return r.stacks[tid]
}

// Images returns the currently loaded image set of the replay.
func (r *RecordReader) Images() []ImageSegments {
	return r.images
}

// GetStack resolves the stack identified by a frame tree leaf, innermost
// frame first, up to maxFrames entries (0 means no limit). Line numbers are
// resolved lazily through the owning code object's line table. Frames whose
// frame key or code object is missing resolve to the <unknown> placeholder;
// frames whose line table cannot be decoded report the code object's first
// line.
func (r *RecordReader) GetStack(leaf uint32, maxFrames int) []Frame {
	var frames []Frame
	for leaf != 0 && (maxFrames == 0 || len(frames) < maxFrames) {
		frameID, parent := r.tree.WalkTo(leaf)
		frames = append(frames, r.resolveFrame(frameID))
		leaf = parent
	}
	return frames
}

func (r *RecordReader) resolveFrame(frameID uint32) Frame {
	key, ok := r.frameKeys[frameID]
	if !ok {
		return Frame{Function: "<unknown>", File: "<unknown>", Lineno: 0}
	}
	if f, ok := r.frameCache[key]; ok {
		return f
	}
	f := Frame{Function: "<unknown>", File: "<unknown>", IsEntry: key.isEntry}
	if co, ok := r.codeObjects[key.codeObjectID]; ok {
		f.Function = co.Function
		f.File = co.Filename
		lr, err := DecodeLinetable(r.header.RuntimeVersion, co.Linetable, co.FirstLineno, int(key.instructionOffset))
		if err == nil {
			f.Lineno = lr.Lineno
		} else {
			f.Lineno = co.FirstLineno
		}
	}
	r.frameCache[key] = f
	return f
}

// NativeStack returns the native stack for a native trace index, innermost
// frame first.
func (r *RecordReader) NativeStack(index uint32) []NativeFrame {
	var out []NativeFrame
	for index != 0 {
		n := r.nativeNodes[index-1]
		out = append(out, NativeFrame{IP: n.ip, SegmentGeneration: n.generation})
		index = n.parent
	}
	// Nodes are interned from the outermost frame down, so walking parent
	// links from the leaf already yields innermost-first order.
	return out
}

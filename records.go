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
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// AllocatorKind identifies which allocator entry point produced an event.
type AllocatorKind uint8

const (
	Malloc AllocatorKind = iota
	Free
	Calloc
	Realloc
	PosixMemalign
	AlignedAlloc
	Memalign
	Valloc
	Pvalloc
	Mmap
	Munmap
	PymallocMalloc
	PymallocCalloc
	PymallocRealloc
	PymallocFree

	numAllocators
)

var allocatorNames = [numAllocators]string{
	Malloc:          "malloc",
	Free:            "free",
	Calloc:          "calloc",
	Realloc:         "realloc",
	PosixMemalign:   "posix_memalign",
	AlignedAlloc:    "aligned_alloc",
	Memalign:        "memalign",
	Valloc:          "valloc",
	Pvalloc:         "pvalloc",
	Mmap:            "mmap",
	Munmap:          "munmap",
	PymallocMalloc:  "pymalloc_malloc",
	PymallocCalloc:  "pymalloc_calloc",
	PymallocRealloc: "pymalloc_realloc",
	PymallocFree:    "pymalloc_free",
}

func (k AllocatorKind) String() string {
	if int(k) < len(allocatorNames) {
		return allocatorNames[k]
	}
	return fmt.Sprintf("allocator(%d)", uint8(k))
}

// AllocatorClass groups allocator kinds by the shape of the events they
// produce: simple allocators hand out a single pointer that is freed whole,
// ranged allocators cover a byte range that may be partially released.
type AllocatorClass uint8

const (
	SimpleAllocator AllocatorClass = iota
	SimpleDeallocator
	RangedAllocator
	RangedDeallocator
)

func (k AllocatorKind) Class() AllocatorClass {
	switch k {
	case Free, PymallocFree:
		return SimpleDeallocator
	case Mmap:
		return RangedAllocator
	case Munmap:
		return RangedDeallocator
	default:
		return SimpleAllocator
	}
}

// IsDeallocator reports whether events with this kind release memory.
func (k AllocatorKind) IsDeallocator() bool {
	c := k.Class()
	return c == SimpleDeallocator || c == RangedDeallocator
}

// Record tags. A single byte encodes the record type and, for the three
// per-thread hot records, a small parameter:
//
//	1xxxxxxx  allocation: bit 6 is the native-trace bit, low 6 bits are the
//	          allocator kind
//	01xxxxxx  frame push: bit 0 is the entry-frame bit
//	001xxxxx  frame pop: low 5 bits hold count-1 (1..16 pops per record)
//	000xxxxx  everything else, enumerated below
//
// 0x00 is the filler byte used to pad pre-allocated file chunks; it is never
// a valid record start, which is what lets the reader skip trailing zeros to
// find the trailer.
const (
	tagFiller               = 0x00
	tagTrailer              = 0x01
	tagMemoryRecord         = 0x02
	tagContextSwitch        = 0x03
	tagThreadRecord         = 0x04
	tagMemoryMapStart       = 0x05
	tagSegmentHeader        = 0x06
	tagSegment              = 0x07
	tagNativeTraceIndex     = 0x08
	tagCodeObject           = 0x09
	tagFrameIndex           = 0x0a
	tagObjectRecord         = 0x0b
	tagAggregatedAllocation = 0x0c
	tagMemorySnapshot       = 0x0d

	tagFramePop   = 0x20
	tagFramePush  = 0x40
	tagAllocation = 0x80

	allocationNativeBit = 0x40
	framePushEntryBit   = 0x01
	framePopCountMask   = 0x1f
	framePopMaxCount    = 16
)

// FileFormat selects how allocation data is laid out in a capture.
type FileFormat uint8

const (
	// AllAllocations captures every allocation and deallocation event.
	AllAllocations FileFormat = iota
	// AggregatedAllocations folds the event stream through the
	// high-water-mark aggregator at capture time and stores one record
	// per location.
	AggregatedAllocations
)

// Version of the capture format produced by RecordWriter.
const FormatVersion = 1

// captureMagic starts every capture file.
var captureMagic = [6]byte{'m', 'e', 'm', 'r', 'a', 'y'}

// RuntimeVersion is the version of the managed runtime that produced the
// capture, packed major.minor.micro. It selects the line table decoder.
type RuntimeVersion struct {
	Major uint8
	Minor uint8
	Micro uint8
}

func (v RuntimeVersion) pack() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Micro)
}

func unpackRuntimeVersion(u uint32) RuntimeVersion {
	return RuntimeVersion{
		Major: uint8(u >> 16),
		Minor: uint8(u >> 8),
		Micro: uint8(u),
	}
}

func (v RuntimeVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// ParseRuntimeVersion parses a runtime version string. Loose inputs like
// "3.11" or "v3.11.4" are accepted; a pre-release tag is accepted only after
// a hyphen ("3.12.0-b4"), so "3.12.0b4" is rejected.
func ParseRuntimeVersion(s string) (RuntimeVersion, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return RuntimeVersion{}, fmt.Errorf("runtime version %q: %w", s, err)
	}
	return RuntimeVersion{
		Major: uint8(v.Major()),
		Minor: uint8(v.Minor()),
		Micro: uint8(v.Patch()),
	}, nil
}

// HeaderStats summarizes a finished capture. It is rewritten in place at the
// end of tracking, best effort.
type HeaderStats struct {
	NAllocations uint64
	NFrames      uint64
	StartTimeMS  int64
	EndTimeMS    int64
}

// Header is the fixed-position preamble of a capture file.
type Header struct {
	Version                uint32
	RuntimeVersion         RuntimeVersion
	NativeTraces           bool
	FileFormat             FileFormat
	Stats                  HeaderStats
	CommandLine            string
	PID                    int32
	MainTID                uint64
	SkippedFramesOnMainTID uint64
	RuntimeAllocator       uint8
	TraceRuntimeAllocators bool
	TrackObjectLifetimes   bool
}

// Frame is one managed call-stack entry as reported to consumers, with the
// line number already resolved through the owning code object's line table.
type Frame struct {
	Function string
	File     string
	Lineno   int
	IsEntry  bool
}

// CodeObject describes a managed function body. Frames reference a code
// object plus an instruction offset; line numbers are resolved lazily by
// decoding Linetable at that offset.
type CodeObject struct {
	Function    string
	Filename    string
	Linetable   []byte
	FirstLineno int
}

// frameKey is the on-wire identity of a managed frame.
type frameKey struct {
	codeObjectID      uint32
	instructionOffset int32
	isEntry           bool
}

// Allocation is one reconstructed allocation event.
type Allocation struct {
	TID                     uint64
	Address                 uint64
	Size                    uint64
	Allocator               AllocatorKind
	FrameIndex              uint32
	NativeFrameID           uint32
	NativeSegmentGeneration uint32
	NAllocations            uint64
}

// LocationKey groups allocations that share a call site.
type LocationKey struct {
	FrameIndex    uint32
	NativeFrameID uint32
	TID           uint64
}

// Key returns the grouping key for an allocation. With mergeThreads set the
// thread id does not participate in grouping.
func (a *Allocation) Key(mergeThreads bool) LocationKey {
	k := LocationKey{FrameIndex: a.FrameIndex, NativeFrameID: a.NativeFrameID}
	if !mergeThreads {
		k.TID = a.TID
	}
	return k
}

// AggregatedAllocation is one entry of an aggregated capture: the
// contribution of a location to the heap high water mark and to the
// allocations that survived to the end of tracking.
type AggregatedAllocation struct {
	TID                         uint64
	FrameIndex                  uint32
	NativeFrameID               uint32
	Allocator                   AllocatorKind
	NAllocationsInHighWaterMark uint64
	NBytesInHighWaterMark       uint64
	NAllocationsLeaked          uint64
	NBytesLeaked                uint64
}

// MemoryRecord is a periodic resident-set-size sample.
type MemoryRecord struct {
	MillisSinceStart uint64
	RSS              uint64
}

// MemorySnapshot extends MemoryRecord with the tracked heap size; it is
// produced in aggregated captures.
type MemorySnapshot struct {
	MillisSinceStart uint64
	RSS              uint64
	Heap             uint64
}

// ObjectRecord reports a managed object lifetime event when object lifetime
// tracking is enabled in the header.
type ObjectRecord struct {
	Address   uint64
	IsCreated bool
}

// ImageSegments describes one loaded image and its mapped segments, as
// written whenever the loaded-image set changes.
type ImageSegments struct {
	Filename    string
	LoadAddress uint64
	Segments    []Segment
}

// Segment is one mapped region of an image.
type Segment struct {
	VAddr uint64
	Memsz uint64
}

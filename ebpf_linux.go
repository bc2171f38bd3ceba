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

//go:build linux

package memtrace

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// ebpfEvent mirrors the event struct emitted by the uprobe program into
// the ring buffer.
type ebpfEvent struct {
	Timestamp uint64
	PID       uint32
	TID       uint32
	Addr      uint64
	Size      uint64
	OldAddr   uint64
	Kind      uint32
	_         uint32
}

// eBPF-side allocator tags, matching the probe program.
const (
	ebpfAllocMalloc  = 1
	ebpfAllocCalloc  = 2
	ebpfAllocRealloc = 3
	ebpfAllocFree    = 4
	ebpfAllocMmap    = 5
	ebpfAllocMunmap  = 6
)

var ebpfKinds = map[uint32]AllocatorKind{
	ebpfAllocMalloc:  Malloc,
	ebpfAllocCalloc:  Calloc,
	ebpfAllocRealloc: Realloc,
	ebpfAllocFree:    Free,
	ebpfAllocMmap:    Mmap,
	ebpfAllocMunmap:  Munmap,
}

// uprobeSymbols are attached on the target library for the eBPF source.
var uprobeSymbols = []string{"malloc", "calloc", "realloc", "free", "mmap", "munmap"}

// EBPFSource intercepts a native target's allocator calls with uprobes and
// streams the events into a Tracker. It is the native counterpart of the
// wasm adapter: no managed frames, just allocation events per thread.
type EBPFSource struct {
	coll    *ebpf.Collection
	reader  *ringbuf.Reader
	links   []link.Link
	tracker *Tracker
	threads map[uint32]*ThreadState
}

// NewEBPFSource loads the compiled probe object and attaches its programs
// to the allocator symbols of the library at libPath (typically libc).
// Programs named "trace_<symbol>" attach as entry probes and
// "trace_<symbol>_ret" as return probes; missing programs are skipped.
func NewEBPFSource(t *Tracker, objPath, libPath string) (*EBPFSource, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("ebpf: remove memlock: %w", err)
	}
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("ebpf: load %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("ebpf: create collection: %w", err)
	}
	s := &EBPFSource{
		coll:    coll,
		tracker: t,
		threads: make(map[uint32]*ThreadState),
	}
	events, ok := coll.Maps["events"]
	if !ok {
		coll.Close()
		return nil, errors.New("ebpf: probe object has no events map")
	}
	if s.reader, err = ringbuf.NewReader(events); err != nil {
		coll.Close()
		return nil, fmt.Errorf("ebpf: ring buffer: %w", err)
	}
	if err := s.attach(libPath); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *EBPFSource) attach(libPath string) error {
	ex, err := link.OpenExecutable(libPath)
	if err != nil {
		return fmt.Errorf("ebpf: open %s: %w", libPath, err)
	}
	attached := 0
	for _, symbol := range uprobeSymbols {
		if prog, ok := s.coll.Programs["trace_"+symbol]; ok {
			l, err := ex.Uprobe(symbol, prog, nil)
			if err != nil {
				log.Printf("ebpf: uprobe %s: %v", symbol, err)
				continue
			}
			s.links = append(s.links, l)
			attached++
		}
		if prog, ok := s.coll.Programs["trace_"+symbol+"_ret"]; ok {
			l, err := ex.Uretprobe(symbol, prog, nil)
			if err != nil {
				log.Printf("ebpf: uretprobe %s: %v", symbol, err)
				continue
			}
			s.links = append(s.links, l)
		}
	}
	if attached == 0 {
		return fmt.Errorf("ebpf: no probes attached on %s", libPath)
	}
	return nil
}

// Run pumps ring buffer events into the tracker until the context is
// cancelled or the reader is closed.
func (s *EBPFSource) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.reader.Close()
	}()
	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			return err
		}
		if err := s.process(record.RawSample); err != nil {
			log.Printf("ebpf: dropping event: %v", err)
		}
	}
}

func (s *EBPFSource) process(raw []byte) error {
	var event ebpfEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &event); err != nil {
		return err
	}
	kind, ok := ebpfKinds[event.Kind]
	if !ok {
		return fmt.Errorf("unknown allocator tag %d", event.Kind)
	}
	ts := s.threads[event.TID]
	if ts == nil {
		ts = s.tracker.RegisterThread(uint64(event.TID), "")
		s.threads[event.TID] = ts
	}
	switch kind {
	case Free:
		s.tracker.TrackDeallocation(ts, Free, event.Addr, 0)
	case Munmap:
		s.tracker.TrackDeallocation(ts, Munmap, event.Addr, event.Size)
	case Realloc:
		if event.OldAddr != 0 {
			s.tracker.TrackDeallocation(ts, Free, event.OldAddr, 0)
		}
		s.tracker.TrackAllocation(ts, Realloc, event.Addr, event.Size)
	default:
		s.tracker.TrackAllocation(ts, kind, event.Addr, event.Size)
	}
	return nil
}

// Close detaches the probes and releases the collection.
func (s *EBPFSource) Close() error {
	for _, l := range s.links {
		l.Close()
	}
	if s.reader != nil {
		s.reader.Close()
	}
	if s.coll != nil {
		s.coll.Close()
	}
	return nil
}

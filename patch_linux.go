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
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ListProcessImages enumerates the file-backed images mapped into this
// process by parsing /proc/self/maps, suitable for TrackerConfig.ListImages
// and for building the mapping records of a capture.
func ListProcessImages() ([]ImageSegments, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byName := make(map[string]*ImageSegments)
	var order []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		start, end, path, ok := parseMapsLine(scanner.Text())
		if !ok {
			continue
		}
		img := byName[path]
		if img == nil {
			img = &ImageSegments{Filename: path, LoadAddress: start}
			byName[path] = img
			order = append(order, path)
		}
		img.Segments = append(img.Segments, Segment{VAddr: start, Memsz: end - start})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	out := make([]ImageSegments, 0, len(order))
	for _, path := range order {
		out = append(out, *byName[path])
	}
	return out, nil
}

func parseMapsLine(line string) (start, end uint64, path string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
		return 0, 0, "", false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return 0, 0, "", false
	}
	var err error
	if start, err = strconv.ParseUint(addrs[0], 16, 64); err != nil {
		return 0, 0, "", false
	}
	if end, err = strconv.ParseUint(addrs[1], 16, 64); err != nil {
		return 0, 0, "", false
	}
	return start, end, fields[5], true
}

// ListPatchableImages enumerates the loaded ELF images as patch targets
// reading their metadata straight from process memory.
func ListPatchableImages() ([]PatchableImage, error) {
	images, err := ListProcessImages()
	if err != nil {
		return nil, err
	}
	mem := processMemory{}
	out := make([]PatchableImage, 0, len(images))
	for _, img := range images {
		out = append(out, &ELFImage{
			ImageName: img.Filename,
			Base:      img.LoadAddress,
			Mem:       mem,
		})
	}
	return out, nil
}

// processMemory reads the current process's address space directly.
type processMemory struct{}

func (processMemory) ReadMemory(addr uint64, size int) ([]byte, error) {
	if addr == 0 || size <= 0 {
		return nil, fmt.Errorf("invalid read at %#x size %d", addr, size)
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
	out := make([]byte, size)
	copy(out, src)
	return out, nil
}

// ProcessMemoryEditor edits pointers in the current process, flipping page
// protection to read-write before the store. The previous protection is not
// restored afterwards.
type ProcessMemoryEditor struct{}

func (ProcessMemoryEditor) ReadPointer(addr uint64) (uint64, error) {
	b, err := processMemory{}.ReadMemory(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (ProcessMemoryEditor) WritePointer(addr, value uint64) error {
	pageSize := uint64(unix.Getpagesize())
	page := addr &^ (pageSize - 1)
	span := pageSize
	if addr+8 > page+pageSize {
		span *= 2 // the slot straddles a page boundary
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(page))), span)

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect %#x: %w", page, err)
	}
	slot := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), 8)
	binary.LittleEndian.PutUint64(slot, value)
	// Data pages of loaded images are readable and writable once the
	// loader is done with them; going back to read-only would break
	// copy-relocated data, so the protection is left permissive.
	return nil
}

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
	"log"
	"strings"
)

// HookedSymbols is the fixed set of allocator entry points the patcher
// redirects in every loaded image.
var HookedSymbols = []string{
	"malloc",
	"free",
	"calloc",
	"realloc",
	"posix_memalign",
	"aligned_alloc",
	"memalign",
	"valloc",
	"pvalloc",
	"mmap",
	"mmap64",
	"munmap",
	"dlopen",
	"dlclose",
}

// Relocation is one dynamic-linking slot (GOT entry or lazy pointer) that
// dispatches calls to a named symbol.
type Relocation struct {
	Symbol string
	// Slot is the address of the pointer the dynamic linker resolved.
	Slot uint64
}

// PatchableImage exposes the relocations of one loaded image. The ELF and
// Mach-O parsers in this package implement it over a memory view of the
// image.
type PatchableImage interface {
	Name() string
	// Relocations returns every relocation that targets one of the
	// requested symbol names.
	Relocations(symbols map[string]bool) ([]Relocation, error)
}

// MemoryEditor reads and writes pointers in the traced address space,
// flipping page protection as needed. Implementations for a live process
// and for in-memory test images exist; the patcher does not care which.
type MemoryEditor interface {
	ReadPointer(addr uint64) (uint64, error)
	WritePointer(addr, value uint64) error
}

// SymbolPatcher rewrites the relocation slots of every loaded image so
// calls to the hooked allocator symbols land in the interceptors, and puts
// the saved originals back on Restore. Per-image failures are logged and
// skipped: an unpatchable image silently misses its allocations.
type SymbolPatcher struct {
	listImages func() ([]PatchableImage, error)
	editor     MemoryEditor
	hooks      map[string]uint64
	hookSet    map[string]bool
	selfImage  string

	saved   map[uint64]uint64
	patched map[string]bool
}

// NewSymbolPatcher builds a patcher redirecting the symbols named in hooks
// (symbol name to interceptor address) in every image produced by
// listImages, editing memory through editor. selfImage names the
// profiler's own image, which is never patched.
func NewSymbolPatcher(listImages func() ([]PatchableImage, error), editor MemoryEditor, hooks map[string]uint64, selfImage string) *SymbolPatcher {
	hookSet := make(map[string]bool, len(hooks))
	for name := range hooks {
		hookSet[name] = true
	}
	return &SymbolPatcher{
		listImages: listImages,
		editor:     editor,
		hooks:      hooks,
		hookSet:    hookSet,
		selfImage:  selfImage,
		saved:      make(map[uint64]uint64),
		patched:    make(map[string]bool),
	}
}

// skippedImages are never patched: the dynamic loader itself, the vdso,
// and interposers that already mediate the allocator.
var skippedImages = []string{
	"ld-linux",
	"ld.so",
	"/dyld",
	"linux-vdso",
	"linux-gate",
	"libasan",
	"libtsan",
	"libmsan",
	"vgpreload",
	"libmemusage",
}

func (p *SymbolPatcher) skip(name string) bool {
	if p.selfImage != "" && strings.Contains(name, p.selfImage) {
		return true
	}
	for _, s := range skippedImages {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// Overwrite redirects the hooked symbols in every image not yet patched.
// It is idempotent: images patched by a previous call are left alone, so
// calling it again after a dlopen only touches the new images. Best
// effort: it never fails, it only logs.
func (p *SymbolPatcher) Overwrite() {
	images, err := p.listImages()
	if err != nil {
		log.Printf("patch: could not enumerate images: %v", err)
		return
	}
	for _, img := range images {
		name := img.Name()
		if p.patched[name] || p.skip(name) {
			continue
		}
		relocs, err := img.Relocations(p.hookSet)
		if err != nil {
			log.Printf("patch: %s: %v", name, err)
			continue
		}
		for _, reloc := range relocs {
			p.overwriteSlot(name, reloc)
		}
		p.patched[name] = true
	}
}

func (p *SymbolPatcher) overwriteSlot(image string, reloc Relocation) {
	hook, ok := p.hooks[reloc.Symbol]
	if !ok {
		return
	}
	original, err := p.editor.ReadPointer(reloc.Slot)
	if err != nil {
		log.Printf("patch: %s: read slot %#x: %v", image, reloc.Slot, err)
		return
	}
	if original == hook {
		return // already pointing at us
	}
	if err := p.editor.WritePointer(reloc.Slot, hook); err != nil {
		log.Printf("patch: %s: write slot %#x: %v", image, reloc.Slot, err)
		return
	}
	if _, seen := p.saved[reloc.Slot]; !seen {
		p.saved[reloc.Slot] = original
	}
}

// Restore writes the saved original pointers back and forgets the patched
// image set, so a later Overwrite starts from scratch.
func (p *SymbolPatcher) Restore() {
	for slot, original := range p.saved {
		if err := p.editor.WritePointer(slot, original); err != nil {
			log.Printf("patch: restore slot %#x: %v", slot, err)
		}
	}
	p.saved = make(map[uint64]uint64)
	p.patched = make(map[string]bool)
}

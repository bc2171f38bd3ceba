package memtrace

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"testing"
)

// fakeImage is a synthetic ELF image mapped at a fixed base, with a
// dynamic segment, symbol and string tables, a PLT relocation table, and a
// plain RELA table, plus the GOT slots they point at.
type fakeImage struct {
	base uint64
	data []byte
}

const (
	fakeBase     = uint64(0x7f4200000000)
	fakeGotSlot  = uint64(0x500) // malloc
	fakeGotSlot2 = uint64(0x508) // strlen (not hooked)
	fakeGotSlot3 = uint64(0x510) // free

	origMalloc = uint64(0x1111111111111111)
	origStrlen = uint64(0x2222222222222222)
	origFree   = uint64(0x3333333333333333)
)

func buildFakeImage() *fakeImage {
	data := make([]byte, 0x600)
	le := binary.LittleEndian

	// ELF header.
	copy(data, []byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1, 1, 0})
	le.PutUint16(data[16:], 3) // ET_DYN
	le.PutUint64(data[32:], 0x40)
	le.PutUint16(data[54:], 56)
	le.PutUint16(data[56:], 1)

	// Program header: PT_DYNAMIC at 0x100.
	le.PutUint32(data[0x40:], 2) // PT_DYNAMIC
	le.PutUint64(data[0x40+16:], 0x100)
	le.PutUint64(data[0x40+40:], 7*16)

	// Dynamic entries.
	dyn := func(i int, tag, val uint64) {
		le.PutUint64(data[0x100+i*16:], tag)
		le.PutUint64(data[0x100+i*16+8:], val)
	}
	dyn(0, 5, 0x200)  // DT_STRTAB
	dyn(1, 6, 0x240)  // DT_SYMTAB
	dyn(2, 23, 0x300) // DT_JMPREL
	dyn(3, 2, 48)     // DT_PLTRELSZ: two RELA entries
	dyn(4, 20, 7)     // DT_PLTREL = DT_RELA
	dyn(5, 7, 0x340)  // DT_RELA
	dyn(6, 8, 24)     // DT_RELASZ: one entry
	// Implicit DT_NULL: zeroed memory.

	// String table: \0 malloc\0 free\0 strlen\0
	copy(data[0x200:], "\x00malloc\x00free\x00strlen\x00")

	// Symbol table: null, malloc, free, strlen.
	le.PutUint32(data[0x240+1*24:], 1)  // "malloc"
	le.PutUint32(data[0x240+2*24:], 8)  // "free"
	le.PutUint32(data[0x240+3*24:], 13) // "strlen"

	// PLT relocations: malloc -> 0x500, strlen -> 0x508.
	le.PutUint64(data[0x300:], fakeGotSlot)
	le.PutUint64(data[0x300+8:], 1<<32|7)
	le.PutUint64(data[0x318:], fakeGotSlot2)
	le.PutUint64(data[0x318+8:], 3<<32|7)

	// RELA: free -> 0x510 (a GLOB_DAT style relocation).
	le.PutUint64(data[0x340:], fakeGotSlot3)
	le.PutUint64(data[0x340+8:], 2<<32|6)

	// The GOT slots themselves.
	le.PutUint64(data[fakeGotSlot:], origMalloc)
	le.PutUint64(data[fakeGotSlot2:], origStrlen)
	le.PutUint64(data[fakeGotSlot3:], origFree)

	return &fakeImage{base: fakeBase, data: data}
}

func (f *fakeImage) ReadMemory(addr uint64, size int) ([]byte, error) {
	if addr < f.base || addr+uint64(size) > f.base+uint64(len(f.data)) {
		return nil, fmt.Errorf("read outside image: %#x+%d", addr, size)
	}
	off := addr - f.base
	return f.data[off : off+uint64(size)], nil
}

func (f *fakeImage) ReadPointer(addr uint64) (uint64, error) {
	b, err := f.ReadMemory(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (f *fakeImage) WritePointer(addr, value uint64) error {
	if addr < f.base || addr+8 > f.base+uint64(len(f.data)) {
		return fmt.Errorf("write outside image: %#x", addr)
	}
	binary.LittleEndian.PutUint64(f.data[addr-f.base:], value)
	return nil
}

func fakeHookSet() map[string]bool {
	set := make(map[string]bool)
	for _, s := range HookedSymbols {
		set[s] = true
	}
	return set
}

func TestELFImageRelocations(t *testing.T) {
	img := buildFakeImage()
	e := &ELFImage{ImageName: "libfake.so", Base: img.base, Mem: img}

	relocs, err := e.Relocations(fakeHookSet())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]uint64{
		"malloc": img.base + fakeGotSlot,
		"free":   img.base + fakeGotSlot3,
	}
	if len(relocs) != len(want) {
		t.Fatalf("relocations: want=%d got=%d (%+v)", len(want), len(relocs), relocs)
	}
	for _, r := range relocs {
		if want[r.Symbol] != r.Slot {
			t.Errorf("%s: slot want=%#x got=%#x", r.Symbol, want[r.Symbol], r.Slot)
		}
	}
}

func newFakePatcher(img *fakeImage, hooks map[string]uint64) *SymbolPatcher {
	list := func() ([]PatchableImage, error) {
		return []PatchableImage{&ELFImage{ImageName: "libfake.so", Base: img.base, Mem: img}}, nil
	}
	return NewSymbolPatcher(list, img, hooks, "memtrace.so")
}

func TestPatcherOverwrite(t *testing.T) {
	img := buildFakeImage()
	hooks := map[string]uint64{"malloc": 0xaaaa, "free": 0xbbbb}
	p := newFakePatcher(img, hooks)

	p.Overwrite()
	if got, _ := img.ReadPointer(img.base + fakeGotSlot); got != 0xaaaa {
		t.Errorf("malloc slot: want=%#x got=%#x", 0xaaaa, got)
	}
	if got, _ := img.ReadPointer(img.base + fakeGotSlot3); got != 0xbbbb {
		t.Errorf("free slot: want=%#x got=%#x", 0xbbbb, got)
	}
	if got, _ := img.ReadPointer(img.base + fakeGotSlot2); got != origStrlen {
		t.Errorf("unhooked strlen slot was touched: %#x", got)
	}
}

func TestPatcherIdempotence(t *testing.T) {
	img := buildFakeImage()
	hooks := map[string]uint64{"malloc": 0xaaaa, "free": 0xbbbb}
	p := newFakePatcher(img, hooks)

	p.Overwrite()
	after := bytes.Clone(img.data)
	p.Overwrite()
	if !bytes.Equal(after, img.data) {
		t.Errorf("second overwrite changed the image")
	}
	// The saved originals survive the double overwrite.
	p.Restore()
	if got, _ := img.ReadPointer(img.base + fakeGotSlot); got != origMalloc {
		t.Errorf("restore after double overwrite: want=%#x got=%#x", origMalloc, got)
	}
}

func TestPatcherRestoreRoundTrip(t *testing.T) {
	img := buildFakeImage()
	before := bytes.Clone(img.data)
	p := newFakePatcher(img, map[string]uint64{"malloc": 0xaaaa, "free": 0xbbbb})

	p.Overwrite()
	if bytes.Equal(before, img.data) {
		t.Fatalf("overwrite changed nothing")
	}
	p.Restore()
	if !bytes.Equal(before, img.data) {
		t.Errorf("restore did not reproduce the original image")
	}

	// After a restore, overwrite starts from scratch and works again.
	p.Overwrite()
	if got, _ := img.ReadPointer(img.base + fakeGotSlot); got != 0xaaaa {
		t.Errorf("re-overwrite after restore: got=%#x", got)
	}
}

func TestPatcherSkipsLoaderAndSelf(t *testing.T) {
	img := buildFakeImage()
	calls := 0
	list := func() ([]PatchableImage, error) {
		calls++
		return []PatchableImage{
			&ELFImage{ImageName: "/lib64/ld-linux-x86-64.so.2", Base: img.base, Mem: img},
			&ELFImage{ImageName: "/usr/lib/memtrace.so", Base: img.base, Mem: img},
			&ELFImage{ImageName: "/usr/lib/libasan.so.8", Base: img.base, Mem: img},
		}, nil
	}
	p := NewSymbolPatcher(list, img, map[string]uint64{"malloc": 0xaaaa}, "memtrace.so")
	p.Overwrite()
	if got, _ := img.ReadPointer(img.base + fakeGotSlot); got != origMalloc {
		t.Errorf("a skipped image was patched: slot=%#x", got)
	}
}

func TestStubPointerTargetAmd64(t *testing.T) {
	// jmpq *0x100(%rip) at 0x2000 dispatches through 0x2106.
	code := []byte{0xff, 0x25, 0x00, 0x01, 0x00, 0x00}
	if got := stubPointerTarget(code, 0x2000, macho.CpuAmd64); got != 0x2106 {
		t.Errorf("amd64 stub target: want=%#x got=%#x", 0x2106, got)
	}
	if got := stubPointerTarget([]byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90}, 0x2000, macho.CpuAmd64); got != 0 {
		t.Errorf("unknown amd64 stub decoded to %#x", got)
	}
}

func TestStubPointerTargetArm64(t *testing.T) {
	le := binary.LittleEndian
	code := make([]byte, 8)
	// adrp x16, +4 pages; ldr x16, [x16, #8]
	le.PutUint32(code, 0x90000030)
	le.PutUint32(code[4:], 0xf9400610)
	if got := stubPointerTarget(code, 0x100000, macho.CpuArm64); got != 0x104008 {
		t.Errorf("arm64 stub target: want=%#x got=%#x", 0x104008, got)
	}
	le.PutUint32(code, 0xd503201f) // nop: not an adrp
	if got := stubPointerTarget(code, 0x100000, macho.CpuArm64); got != 0 {
		t.Errorf("unknown arm64 stub decoded to %#x", got)
	}
}

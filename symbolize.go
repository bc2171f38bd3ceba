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
	"debug/dwarf"
	"debug/elf"
	"log"
	"sort"
	"sync"
)

// UnknownSymbol is substituted for anything the resolver cannot name.
const UnknownSymbol = "<unknown>"

// ResolvedFrame is a native frame after symbol resolution.
type ResolvedFrame struct {
	Function string
	File     string
	Line     int64
}

// SymbolResolver maps (image, instruction pointer) pairs to source
// locations using the image's symbol table and DWARF line information.
// Resolution failures are never fatal: unknown frames resolve to the
// placeholder.
type SymbolResolver struct {
	mu     sync.Mutex
	images map[string]*imageSymbols
}

func NewSymbolResolver() *SymbolResolver {
	return &SymbolResolver{images: make(map[string]*imageSymbols)}
}

// Resolve symbolizes ip, which was observed while img was mapped at its
// recorded load address.
func (r *SymbolResolver) Resolve(img ImageSegments, ip uint64) ResolvedFrame {
	syms := r.load(img.Filename)
	if syms == nil {
		return ResolvedFrame{Function: UnknownSymbol, File: UnknownSymbol}
	}
	addr := ip
	if syms.relocatable {
		addr -= img.LoadAddress
	}
	return syms.resolve(addr)
}

func (r *SymbolResolver) load(filename string) *imageSymbols {
	r.mu.Lock()
	defer r.mu.Unlock()
	if syms, ok := r.images[filename]; ok {
		return syms
	}
	syms, err := loadImageSymbols(filename)
	if err != nil {
		log.Printf("dwarf: could not load symbols for %s: %v", filename, err)
		syms = nil
	}
	r.images[filename] = syms
	return syms
}

type symbolRange struct {
	start uint64
	end   uint64
	name  string
}

type imageSymbols struct {
	relocatable bool
	symbols     []symbolRange
	lines       *dwarf.Data
}

func loadImageSymbols(filename string) (*imageSymbols, error) {
	f, err := elf.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := &imageSymbols{relocatable: f.Type == elf.ET_DYN}

	syms, _ := f.Symbols()
	dyns, _ := f.DynamicSymbols()
	for _, s := range append(syms, dyns...) {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
			continue
		}
		end := s.Value + s.Size
		if s.Size == 0 {
			end = s.Value + 1
		}
		out.symbols = append(out.symbols, symbolRange{start: s.Value, end: end, name: s.Name})
	}
	sort.Slice(out.symbols, func(i, j int) bool { return out.symbols[i].start < out.symbols[j].start })

	if d, err := f.DWARF(); err == nil {
		out.lines = d
	}
	return out, nil
}

func (s *imageSymbols) resolve(addr uint64) ResolvedFrame {
	frame := ResolvedFrame{Function: UnknownSymbol, File: UnknownSymbol}

	i := sort.Search(len(s.symbols), func(i int) bool { return s.symbols[i].start > addr })
	if i > 0 {
		if sym := s.symbols[i-1]; addr < sym.end {
			frame.Function = sym.name
		}
	}

	if s.lines != nil {
		if file, line, ok := s.lineForPC(addr); ok {
			frame.File = file
			frame.Line = line
		}
	}
	return frame
}

func (s *imageSymbols) lineForPC(pc uint64) (string, int64, bool) {
	r := s.lines.Reader()
	cu, err := r.SeekPC(pc)
	if err != nil || cu == nil {
		return "", 0, false
	}
	lr, err := s.lines.LineReader(cu)
	if err != nil || lr == nil {
		return "", 0, false
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(pc, &le); err != nil {
		return "", 0, false
	}
	return le.File.Name, int64(le.Line), true
}

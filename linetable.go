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
)

// LineRange is the source location covered by one bytecode instruction.
// Absent information is reported as -1.
type LineRange struct {
	Lineno    int
	EndLineno int
	Column    int
	EndColumn int
}

type linetableFormat uint8

const (
	// linetableLegacy is the flat (byte_delta:u8, line_delta:i8) pair
	// encoding used by runtimes before 3.10.
	linetableLegacy linetableFormat = iota
	// linetableIntermediate is the 3.10 byte-indexed range encoding; it
	// carries no column information.
	linetableIntermediate
	// linetableModern is the 3.11+ variable-length encoding carrying
	// line and column ranges.
	linetableModern
)

func linetableFormatFor(v RuntimeVersion) linetableFormat {
	switch {
	case v.Major > 3 || (v.Major == 3 && v.Minor >= 11):
		return linetableModern
	case v.Major == 3 && v.Minor == 10:
		return linetableIntermediate
	default:
		return linetableLegacy
	}
}

// DecodeLinetable resolves the source range of the instruction at
// instructionOffset (a byte offset into the code body) using the line table
// encoding of the given runtime version. The three supported encodings have
// distinct state machines and are decoded by separate functions.
func DecodeLinetable(v RuntimeVersion, table []byte, firstLineno, instructionOffset int) (LineRange, error) {
	switch linetableFormatFor(v) {
	case linetableModern:
		return decodeModernLinetable(table, firstLineno, instructionOffset)
	case linetableIntermediate:
		return decodeIntermediateLinetable(table, firstLineno, instructionOffset)
	default:
		return decodeLegacyLinetable(table, firstLineno, instructionOffset)
	}
}

const legacyNoLineNumber = -128

// decodeLegacyLinetable walks (byte_delta, line_delta) pairs, accumulating
// the bytecode offset and line number until the offset passes the queried
// instruction. The encoding has no end positions or columns; the reported
// range is the best available: end_lineno = lineno, columns -1.
func decodeLegacyLinetable(table []byte, firstLineno, instructionOffset int) (LineRange, error) {
	if len(table)%2 != 0 {
		return LineRange{}, fmt.Errorf("legacy line table has odd length %d", len(table))
	}
	line := firstLineno
	addr := 0
	for i := 0; i < len(table); i += 2 {
		addr += int(table[i])
		if addr > instructionOffset {
			break
		}
		if d := int8(table[i+1]); d != legacyNoLineNumber {
			line += int(d)
		}
	}
	return LineRange{Lineno: line, EndLineno: line, Column: -1, EndColumn: -1}, nil
}

// decodeIntermediateLinetable walks (length, line_delta) pairs where each
// pair covers a byte range of the code body. line_delta -128 marks a range
// with no line. Columns are absent in this encoding.
func decodeIntermediateLinetable(table []byte, firstLineno, instructionOffset int) (LineRange, error) {
	if len(table)%2 != 0 {
		return LineRange{}, fmt.Errorf("line table has odd length %d", len(table))
	}
	line := firstLineno
	start, end := 0, 0
	for i := 0; i < len(table); i += 2 {
		start = end
		end += int(table[i])
		delta := int8(table[i+1])
		current := -1
		if delta != legacyNoLineNumber {
			line += int(delta)
			current = line
		}
		if start <= instructionOffset && instructionOffset < end {
			return LineRange{Lineno: current, EndLineno: current, Column: -1, EndColumn: -1}, nil
		}
	}
	return LineRange{Lineno: line, EndLineno: line, Column: -1, EndColumn: -1}, nil
}

// Modern line table entry codes, from the 3.11 locations table. One entry
// covers (length_bits + 1) code units of two bytes each.
const (
	modernCodeShortMax  = 9  // 0..9: short form, line delta 0, packed columns
	modernCodeOneLine0  = 10 // 10..12: line delta code-10, explicit columns
	modernCodeOneLine2  = 12
	modernCodeNoColumns = 13
	modernCodeLong      = 14
	modernCodeNone      = 15

	modernCodeUnitSize = 2
)

// decodeModernLinetable decodes the 3.11+ variable-length location table.
// Entry-start bytes have the top bit set; the code sits in bits 3..6 and
// the covered length minus one in bits 0..2.
func decodeModernLinetable(table []byte, firstLineno, instructionOffset int) (LineRange, error) {
	line := firstLineno
	end := 0
	result := LineRange{Lineno: -1, EndLineno: -1, Column: -1, EndColumn: -1}
	pos := 0
	for pos < len(table) {
		entry := table[pos]
		if entry&0x80 == 0 {
			return LineRange{}, fmt.Errorf("line table entry at %d does not start a new entry", pos)
		}
		code := (entry >> 3) & 15
		units := int(entry&7) + 1
		pos++

		cur := LineRange{Lineno: -1, EndLineno: -1, Column: -1, EndColumn: -1}
		var err error
		switch {
		case code == modernCodeNone:
			// no location for these instructions
		case code == modernCodeLong:
			var delta, endDelta, col, endCol int
			if delta, pos, err = readModernSvarint(table, pos); err != nil {
				return LineRange{}, err
			}
			line += delta
			if endDelta, pos, err = readModernUvarint(table, pos); err != nil {
				return LineRange{}, err
			}
			if col, pos, err = readModernUvarint(table, pos); err != nil {
				return LineRange{}, err
			}
			if endCol, pos, err = readModernUvarint(table, pos); err != nil {
				return LineRange{}, err
			}
			cur = LineRange{Lineno: line, EndLineno: line + endDelta, Column: col - 1, EndColumn: endCol - 1}
		case code == modernCodeNoColumns:
			var delta int
			if delta, pos, err = readModernSvarint(table, pos); err != nil {
				return LineRange{}, err
			}
			line += delta
			cur = LineRange{Lineno: line, EndLineno: line, Column: -1, EndColumn: -1}
		case code >= modernCodeOneLine0 && code <= modernCodeOneLine2:
			if pos+2 > len(table) {
				return LineRange{}, fmt.Errorf("truncated one-line entry at %d", pos)
			}
			line += int(code) - modernCodeOneLine0
			cur = LineRange{
				Lineno:    line,
				EndLineno: line,
				Column:    int(table[pos]),
				EndColumn: int(table[pos+1]),
			}
			pos += 2
		default: // short form, codes 0..9
			if pos >= len(table) {
				return LineRange{}, fmt.Errorf("truncated short entry at %d", pos)
			}
			b := table[pos]
			pos++
			column := int(code)*8 + int((b>>4)&7)
			cur = LineRange{
				Lineno:    line,
				EndLineno: line,
				Column:    column,
				EndColumn: column + int(b&15),
			}
		}

		start := end
		end += units * modernCodeUnitSize
		if start <= instructionOffset && instructionOffset < end {
			return cur, nil
		}
		result = cur
	}
	return result, nil
}

// readModernUvarint reads the 6-bit-group varint used by the modern line
// table. Bit 6 continues the value; bit 7 is reserved to mark entry starts
// and must be clear on every varint byte.
func readModernUvarint(table []byte, pos int) (int, int, error) {
	if pos >= len(table) {
		return 0, pos, fmt.Errorf("truncated varint at %d", pos)
	}
	b := table[pos]
	pos++
	if b&0x80 != 0 {
		return 0, pos, fmt.Errorf("varint at %d starts a new entry", pos-1)
	}
	val := int(b & 63)
	shift := 0
	for b&64 != 0 {
		if pos >= len(table) {
			return 0, pos, fmt.Errorf("truncated varint at %d", pos)
		}
		b = table[pos]
		pos++
		if b&0x80 != 0 {
			return 0, pos, fmt.Errorf("varint continuation at %d starts a new entry", pos-1)
		}
		shift += 6
		val |= int(b&63) << shift
	}
	return val, pos, nil
}

func readModernSvarint(table []byte, pos int) (int, int, error) {
	u, pos, err := readModernUvarint(table, pos)
	if err != nil {
		return 0, pos, err
	}
	x := u >> 1
	if u&1 != 0 {
		x = -x
	}
	return x, pos, nil
}

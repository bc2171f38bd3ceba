package memtrace

import "testing"

// Reference encoders for the three line table formats, kept independent of
// the decoders on purpose.

func modernUvarint(v int) []byte {
	var out []byte
	for v >= 64 {
		out = append(out, byte(v&63)|64)
		v >>= 6
	}
	return append(out, byte(v))
}

func modernSvarint(v int) []byte {
	u := v << 1
	if v < 0 {
		u = (-v)<<1 | 1
	}
	return modernUvarint(u)
}

func modernEntry(code, units int, body ...byte) []byte {
	return append([]byte{0x80 | byte(code)<<3 | byte(units-1)}, body...)
}

func TestLegacyLinetable(t *testing.T) {
	// Offsets 0..5 at line 12, 6.. at line 13.
	table := []byte{0, 2, 6, 1, 6, 0}
	tests := []struct {
		offset int
		line   int
	}{
		{0, 12}, {4, 12}, {6, 13}, {11, 13}, {12, 13}, {100, 13},
	}
	// The legacy format applies deltas as offsets accumulate: the pairs
	// above move to line 12 at offset 0 and to line 13 at offset 6.
	for _, tt := range tests {
		got, err := decodeLegacyLinetable(table, 10, tt.offset)
		if err != nil {
			t.Fatalf("offset %d: %v", tt.offset, err)
		}
		if got.Lineno != tt.line {
			t.Errorf("offset %d: want line %d got %d", tt.offset, tt.line, got.Lineno)
		}
		if got.EndLineno != got.Lineno || got.Column != -1 || got.EndColumn != -1 {
			t.Errorf("offset %d: legacy format leaked positions: %+v", tt.offset, got)
		}
	}
}

func TestLegacyLinetableNoLineChange(t *testing.T) {
	table := []byte{0, 2, 4, 0x80} // second pair: -128, no line change
	got, err := decodeLegacyLinetable(table, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Lineno != 3 {
		t.Errorf("want line 3 got %d", got.Lineno)
	}
}

func TestIntermediateLinetable(t *testing.T) {
	// Range [0,8) line 5, [8,12) no line, [12,20) line 7.
	table := []byte{8, 4, 4, 0x80, 8, 2}
	tests := []struct {
		offset int
		line   int
	}{
		{0, 5}, {7, 5}, {8, -1}, {11, -1}, {12, 7}, {19, 7},
	}
	for _, tt := range tests {
		got, err := decodeIntermediateLinetable(table, 1, tt.offset)
		if err != nil {
			t.Fatalf("offset %d: %v", tt.offset, err)
		}
		if got.Lineno != tt.line {
			t.Errorf("offset %d: want line %d got %d", tt.offset, tt.line, got.Lineno)
		}
		if got.Column != -1 || got.EndColumn != -1 {
			t.Errorf("offset %d: intermediate format reported columns: %+v", tt.offset, got)
		}
	}
}

func TestModernLinetableShort(t *testing.T) {
	// One short entry: code 2, 3 code units, column byte packs (5, 4):
	// column = 2*8+5 = 21, end column = 25.
	table := modernEntry(2, 3, 5<<4|4)
	got, err := decodeModernLinetable(table, 40, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := LineRange{Lineno: 40, EndLineno: 40, Column: 21, EndColumn: 25}
	if got != want {
		t.Errorf("want=%+v got=%+v", want, got)
	}
}

func TestModernLinetableForms(t *testing.T) {
	var table []byte
	// Entry 1: no columns, line delta +2, covers 2 units (bytes 0..4).
	table = append(table, modernEntry(modernCodeNoColumns, 2, modernSvarint(2)...)...)
	// Entry 2: one-line form, delta +1, columns 3..9, covers 1 unit
	// (bytes 4..6).
	table = append(table, modernEntry(11, 1, 3, 9)...)
	// Entry 3: long form, line delta -1, end line +2, columns 10..20,
	// covers 4 units (bytes 6..14).
	long := modernSvarint(-1)
	long = append(long, modernUvarint(2)...)
	long = append(long, modernUvarint(11)...)
	long = append(long, modernUvarint(21)...)
	table = append(table, modernEntry(modernCodeLong, 4, long...)...)
	// Entry 4: no location, covers 1 unit (bytes 14..16).
	table = append(table, modernEntry(modernCodeNone, 1)...)

	first := 100
	tests := []struct {
		offset int
		want   LineRange
	}{
		{0, LineRange{102, 102, -1, -1}},
		{3, LineRange{102, 102, -1, -1}},
		{4, LineRange{103, 103, 3, 9}},
		{6, LineRange{102, 104, 10, 20}},
		{13, LineRange{102, 104, 10, 20}},
		{14, LineRange{-1, -1, -1, -1}},
	}
	for _, tt := range tests {
		got, err := decodeModernLinetable(table, first, tt.offset)
		if err != nil {
			t.Fatalf("offset %d: %v", tt.offset, err)
		}
		if got != tt.want {
			t.Errorf("offset %d: want=%+v got=%+v", tt.offset, tt.want, got)
		}
	}
}

func TestModernLinetableMultiByteVarint(t *testing.T) {
	// Line delta 1000 needs a multi-byte svarint.
	table := modernEntry(modernCodeNoColumns, 1, modernSvarint(1000)...)
	got, err := decodeModernLinetable(table, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Lineno != 1001 {
		t.Errorf("want line 1001 got %d", got.Lineno)
	}
}

func TestModernLinetableTruncated(t *testing.T) {
	table := modernEntry(modernCodeLong, 1, modernSvarint(1)...)
	if _, err := decodeModernLinetable(table, 1, 0); err == nil {
		t.Errorf("truncated long entry decoded without error")
	}
	if _, err := decodeModernLinetable([]byte{0x12}, 1, 0); err == nil {
		t.Errorf("entry without the start bit decoded without error")
	}
}

func TestLinetableFormatSelection(t *testing.T) {
	tests := []struct {
		version string
		want    linetableFormat
	}{
		{"3.9.7", linetableLegacy},
		{"3.10.2", linetableIntermediate},
		{"3.11.0", linetableModern},
		{"3.12.1", linetableModern},
	}
	for _, tt := range tests {
		v, err := ParseRuntimeVersion(tt.version)
		if err != nil {
			t.Fatalf("%s: %v", tt.version, err)
		}
		if got := linetableFormatFor(v); got != tt.want {
			t.Errorf("%s: want format %d got %d", tt.version, tt.want, got)
		}
	}
}

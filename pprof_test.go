package memtrace

import (
	"bytes"
	"testing"
)

func TestSnapshotProfile(t *testing.T) {
	tr, sink := startTestTracker(t, &fakeRuntime{}, TrackerConfig{})
	ts := tr.RegisterThread(1, "main")

	main := testCodeObject("main")
	handler := testCodeObject("handler")

	tr.OnCall(ts, FrameState{Code: main})
	tr.OnCall(ts, FrameState{Code: handler, InstructionOffset: 2})
	tr.TrackAllocation(ts, Malloc, 0x1000, 128)
	tr.TrackAllocation(ts, Malloc, 0x2000, 128)
	tr.TrackAllocation(ts, Free, 0x2000, 0)
	if err := tr.Destroy(); err != nil {
		t.Fatal(err)
	}

	r, err := NewRecordReader(bytes.NewReader(sink.buf))
	if err != nil {
		t.Fatal(err)
	}
	prof, err := SnapshotProfile(r, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	if len(prof.Sample) != 1 {
		t.Fatalf("samples: want=1 got=%d", len(prof.Sample))
	}
	sample := prof.Sample[0]
	if sample.Value[0] != 128 || sample.Value[1] != 1 {
		t.Errorf("sample values: got=%v", sample.Value)
	}
	if len(sample.Location) == 0 || len(sample.Location[0].Line) == 0 {
		t.Fatalf("sample has no resolved location")
	}
	if got := sample.Location[0].Line[0].Function.Name; got != "handler" {
		t.Errorf("innermost function: want=handler got=%q", got)
	}
}

func TestHighWaterMarkProfile(t *testing.T) {
	tr, sink := startTestTracker(t, &fakeRuntime{}, TrackerConfig{})
	ts := tr.RegisterThread(1, "main")

	burst := testCodeObject("burst")
	tr.OnCall(ts, FrameState{Code: burst})
	tr.TrackAllocation(ts, Malloc, 0x1000, 1000)
	tr.TrackAllocation(ts, Free, 0x1000, 0)
	if err := tr.Destroy(); err != nil {
		t.Fatal(err)
	}

	r, err := NewRecordReader(bytes.NewReader(sink.buf))
	if err != nil {
		t.Fatal(err)
	}
	prof, err := HighWaterMarkProfile(r)
	if err != nil {
		t.Fatal(err)
	}
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	if len(prof.Sample) != 1 || prof.Sample[0].Value[0] != 1000 {
		t.Fatalf("hwm sample wrong: %+v", prof.Sample)
	}
}

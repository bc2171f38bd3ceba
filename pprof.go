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
	"net/http"
	"os"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}

// BuildProfile renders an aggregated location map as a pprof profile, with
// stacks resolved through the reader that replayed the capture. sampleType
// names the value, e.g. "inuse_space" for live snapshots.
func BuildProfile(r *RecordReader, entries map[LocationKey]Allocation, sampleType string) *profile.Profile {
	header := r.Header()
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: sampleType, Unit: "bytes"},
			{Type: "allocations", Unit: "count"},
		},
		TimeNanos:     header.Stats.StartTimeMS * int64(time.Millisecond),
		DurationNanos: (header.Stats.EndTimeMS - header.Stats.StartTimeMS) * int64(time.Millisecond),
	}

	locationCache := make(map[Frame]*profile.Location)
	functionCache := make(map[string]*profile.Function)

	locationsForStack := func(leaf uint32) []*profile.Location {
		var locations []*profile.Location
		for _, frame := range r.GetStack(leaf, 0) {
			loc := locationCache[frame]
			if loc == nil {
				fn := functionCache[frame.Function]
				if fn == nil {
					fn = &profile.Function{
						ID:         uint64(len(functionCache)) + 1, // 0 is reserved by pprof
						Name:       frame.Function,
						SystemName: frame.Function,
						Filename:   frame.File,
					}
					functionCache[frame.Function] = fn
				}
				loc = &profile.Location{
					ID: uint64(len(locationCache)) + 1, // 0 is reserved by pprof
					Line: []profile.Line{{
						Function: fn,
						Line:     int64(frame.Lineno),
					}},
				}
				locationCache[frame] = loc
			}
			locations = append(locations, loc)
		}
		return locations
	}

	keys := maps.Keys(entries)
	slices.SortFunc(keys, func(x, y LocationKey) int {
		switch {
		case x.FrameIndex != y.FrameIndex:
			return int(x.FrameIndex) - int(y.FrameIndex)
		case x.TID != y.TID:
			return int(x.TID) - int(y.TID)
		}
		return int(x.NativeFrameID) - int(y.NativeFrameID)
	})
	for _, key := range keys {
		entry := entries[key]
		sample := &profile.Sample{
			Location: locationsForStack(key.FrameIndex),
			Value:    []int64{int64(entry.Size), int64(entry.NAllocations)},
		}
		if key.TID != 0 {
			sample.Label = map[string][]string{
				"thread": {fmt.Sprintf("%d", key.TID)},
			}
			if name := r.ThreadName(key.TID); name != "" {
				sample.Label["thread_name"] = []string{name}
			}
		}
		prof.Sample = append(prof.Sample, sample)
	}

	prof.Location = make([]*profile.Location, len(locationCache))
	prof.Function = make([]*profile.Function, len(functionCache))
	for _, loc := range locationCache {
		prof.Location[loc.ID-1] = loc
	}
	for _, fn := range functionCache {
		prof.Function[fn.ID-1] = fn
	}
	return prof
}

// SnapshotProfile replays a whole capture and returns the live allocations
// at its end as a pprof profile.
func SnapshotProfile(r *RecordReader, mergeThreads bool) (*profile.Profile, error) {
	agg := NewSnapshotAllocationAggregator()
	if err := drain(r, agg.Process); err != nil {
		return nil, err
	}
	return BuildProfile(r, agg.Snapshot(mergeThreads), "inuse_space"), nil
}

// HighWaterMarkProfile replays a whole capture and returns each location's
// contribution to the heap high water mark as a pprof profile.
func HighWaterMarkProfile(r *RecordReader) (*profile.Profile, error) {
	agg := NewHighWaterMarkAggregator()
	if err := drain(r, agg.Process); err != nil {
		return nil, err
	}
	entries := make(map[LocationKey]Allocation)
	for _, e := range agg.Entries() {
		if e.NBytesInHighWaterMark == 0 && e.NAllocationsInHighWaterMark == 0 {
			continue
		}
		key := LocationKey{FrameIndex: e.FrameIndex, NativeFrameID: e.NativeFrameID, TID: e.TID}
		entries[key] = Allocation{
			TID:          e.TID,
			FrameIndex:   e.FrameIndex,
			Size:         e.NBytesInHighWaterMark,
			NAllocations: e.NAllocationsInHighWaterMark,
		}
	}
	return BuildProfile(r, entries, "hwm_space"), nil
}

// drain feeds every allocation record of the capture to fn. Aggregated
// records are skipped, so a capture in the aggregated format feeds fn
// nothing.
func drain(r *RecordReader, fn func(Allocation)) error {
	for {
		switch rt := r.NextRecord(); rt {
		case RecordEndOfFile:
			return nil
		case RecordError:
			return r.Err()
		case RecordAllocation:
			fn(r.Allocation())
		}
	}
}

// ServeSnapshot serves the live-allocation profile of a capture file over
// HTTP in pprof wire format.
func ServeSnapshot(path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r, f, err := OpenCapture(path)
		if err != nil {
			serveError(w, http.StatusNotFound, err.Error())
			return
		}
		defer f.Close()
		prof, err := SnapshotProfile(r, true)
		if err != nil {
			serveError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", `attachment; filename="profile"`)
		if err := prof.Write(w); err != nil {
			serveError(w, http.StatusInternalServerError, err.Error())
		}
	})
}

func serveError(w http.ResponseWriter, status int, txt string) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}

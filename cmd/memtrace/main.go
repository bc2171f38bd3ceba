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

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/stealthrocket/memtrace"
)

const (
	exitOK       = 0
	exitTracking = 1
	exitUsage    = 2
)

func main() {
	log.Default().SetOutput(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:])
	case "report":
		return cmdReport(ctx, args[1:])
	case "serve":
		return cmdServe(ctx, args[1:])
	case "live":
		return cmdLive(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "memtrace: unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  memtrace run    --output FILE [--aggregate] [--remote ADDR] <app.wasm> [args...]
  memtrace report [--hwm|--leaks|--temporary|--stats] [--follow] FILE
  memtrace serve  --addr ADDR FILE
  memtrace live   --listen ADDR --output FILE`)
}

type runProgram struct {
	output            string
	remote            string
	aggregate         bool
	traceRuntimeAlloc bool
	memoryInterval    time.Duration
	wasmPath          string
	wasmArgs          []string
}

func cmdRun(ctx context.Context, args []string) int {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	prog := runProgram{}
	flags.StringVarP(&prog.output, "output", "o", "", "Capture file to write.")
	flags.StringVar(&prog.remote, "remote", "", "Stream the capture to a collector instead of a file.")
	flags.BoolVar(&prog.aggregate, "aggregate", false, "Write an aggregated capture instead of the full event stream.")
	flags.BoolVar(&prog.traceRuntimeAlloc, "trace-runtime-allocators", false, "Also hook the runtime's small-object allocator.")
	flags.DurationVar(&prog.memoryInterval, "memory-interval", 10*time.Millisecond, "Resident set size sampling period.")
	flags.SetInterspersed(false)
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}
	rest := flags.Args()
	if len(rest) < 1 || (prog.output == "" && prog.remote == "") {
		usage()
		return exitUsage
	}
	prog.wasmPath = rest[0]
	prog.wasmArgs = rest[1:]

	if err := prog.run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	return exitOK
}

func (prog *runProgram) run(ctx context.Context) error {
	wasmName := filepath.Base(prog.wasmPath)
	wasmCode, err := os.ReadFile(prog.wasmPath)
	if err != nil {
		return fmt.Errorf("loading wasm module: %w", err)
	}

	var sink memtrace.Sink
	if prog.remote != "" {
		if sink, err = memtrace.DialCapture(ctx, prog.remote, nil); err != nil {
			return fmt.Errorf("connecting collector: %w", err)
		}
	} else {
		if sink, err = memtrace.NewFileSink(prog.output); err != nil {
			return fmt.Errorf("creating capture file: %w", err)
		}
	}

	adapter := memtrace.NewWasmAdapter(wasmName)
	ctx = adapter.Attach(ctx)

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(true).
		WithCustomSections(true))
	defer runtime.Close(ctx)

	compiledModule, err := runtime.CompileModule(ctx, wasmCode)
	if err != nil {
		return fmt.Errorf("compiling wasm module: %w", err)
	}

	format := memtrace.AllAllocations
	if prog.aggregate {
		format = memtrace.AggregatedAllocations
	}
	version, _ := memtrace.ParseRuntimeVersion(adapter.Version())
	writer := memtrace.NewRecordWriter(sink, memtrace.Header{
		RuntimeVersion:         version,
		FileFormat:             format,
		CommandLine:            strings.Join(append([]string{wasmName}, prog.wasmArgs...), " "),
		PID:                    int32(os.Getpid()),
		MainTID:                1,
		TraceRuntimeAllocators: prog.traceRuntimeAlloc,
	})

	tracker, err := memtrace.CreateTracker(writer, adapter, memtrace.TrackerConfig{
		MemoryInterval:         prog.memoryInterval,
		FileFormat:             format,
		TraceRuntimeAllocators: prog.traceRuntimeAlloc,
		CommandLine:            prog.wasmPath,
		PID:                    int32(os.Getpid()),
	})
	if err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}

	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	config := wazero.NewModuleConfig().
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		WithStdin(os.Stdin).
		WithRandSource(rand.Reader).
		WithSysNanosleep().
		WithSysNanotime().
		WithSysWalltime().
		WithArgs(append([]string{wasmName}, prog.wasmArgs...)...)

	instance, err := runtime.InstantiateModule(ctx, compiledModule, config)
	if err == nil {
		err = instance.Close(ctx)
	}

	if derr := tracker.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}

type reportProgram struct {
	hwm       bool
	leaks     bool
	temporary bool
	stats     bool
	follow    bool
	top       int
	path      string
}

func cmdReport(ctx context.Context, args []string) int {
	flags := pflag.NewFlagSet("report", pflag.ContinueOnError)
	prog := reportProgram{}
	flags.BoolVar(&prog.hwm, "hwm", false, "Report high water mark contributions.")
	flags.BoolVar(&prog.leaks, "leaks", false, "Report allocations alive at the end of tracking.")
	flags.BoolVar(&prog.temporary, "temporary", false, "Report temporary allocations.")
	flags.BoolVar(&prog.stats, "stats", false, "Report allocation statistics.")
	flags.BoolVar(&prog.follow, "follow", false, "Re-render whenever the capture grows.")
	flags.IntVar(&prog.top, "top", 10, "Number of locations to show.")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}
	if flags.NArg() != 1 {
		usage()
		return exitUsage
	}
	prog.path = flags.Arg(0)

	render := func(r *memtrace.RecordReader) bool {
		if err := prog.render(r); err != nil {
			fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		}
		return true
	}

	if prog.follow {
		err := memtrace.FollowCapture(ctx, prog.path, time.Second, render)
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
			return exitTracking
		}
		return exitOK
	}

	r, f, err := memtrace.OpenCapture(prog.path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	defer f.Close()
	if err := prog.render(r); err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	return exitOK
}

func (prog *reportProgram) render(r *memtrace.RecordReader) error {
	snapshot := memtrace.NewSnapshotAllocationAggregator()
	hwm := memtrace.NewHighWaterMarkAggregator()
	temps := memtrace.NewTemporaryAllocationsAggregator(64)
	stats := memtrace.NewAllocationStatsAggregator()

	for {
		switch rt := r.NextRecord(); rt {
		case memtrace.RecordEndOfFile:
			goto done
		case memtrace.RecordError:
			return r.Err()
		case memtrace.RecordAllocation:
			a := r.Allocation()
			snapshot.Process(a)
			hwm.Process(a)
			temps.Process(a)
			stats.Process(a)
		}
	}
done:
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	switch {
	case prog.stats:
		fmt.Fprintf(w, "total allocations:\t%d\n", stats.TotalAllocations)
		fmt.Fprintf(w, "total bytes:\t%d\n", stats.TotalBytes)
		fmt.Fprintf(w, "high water mark:\t%d\n", hwm.HighWaterMark())
		fmt.Fprintln(w, "\nallocation sizes:")
		for _, bucket := range stats.SizeHistogram() {
			fmt.Fprintf(w, "\t<= %d:\t%d\n", bucket.UpperBound, bucket.Count)
		}
		fmt.Fprintln(w, "\nevents by allocator:")
		for kind, count := range stats.CountByAllocator() {
			fmt.Fprintf(w, "\t%s:\t%d\n", kind, count)
		}
	case prog.hwm:
		fmt.Fprintf(w, "high water mark:\t%d bytes\n\n", hwm.HighWaterMark())
		renderEntries(w, r, hwmEntries(hwm, false), prog.top)
	case prog.temporary:
		renderEntries(w, r, temps.Snapshot(false), prog.top)
	default: // leaks is the default view
		renderEntries(w, r, snapshot.Snapshot(false), prog.top)
	}
	return nil
}

func hwmEntries(hwm *memtrace.HighWaterMarkAggregator, leaks bool) map[memtrace.LocationKey]memtrace.Allocation {
	out := make(map[memtrace.LocationKey]memtrace.Allocation)
	for _, e := range hwm.Entries() {
		bytes, count := e.NBytesInHighWaterMark, e.NAllocationsInHighWaterMark
		if leaks {
			bytes, count = e.NBytesLeaked, e.NAllocationsLeaked
		}
		if bytes == 0 && count == 0 {
			continue
		}
		key := memtrace.LocationKey{FrameIndex: e.FrameIndex, NativeFrameID: e.NativeFrameID, TID: e.TID}
		out[key] = memtrace.Allocation{
			TID:          e.TID,
			FrameIndex:   e.FrameIndex,
			Size:         bytes,
			NAllocations: count,
		}
	}
	return out
}

func renderEntries(w *tabwriter.Writer, r *memtrace.RecordReader, entries map[memtrace.LocationKey]memtrace.Allocation, top int) {
	type row struct {
		key memtrace.LocationKey
		agg memtrace.Allocation
	}
	rows := make([]row, 0, len(entries))
	for key, agg := range entries {
		rows = append(rows, row{key: key, agg: agg})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].agg.Size > rows[j].agg.Size })
	if len(rows) > top {
		rows = rows[:top]
	}

	fmt.Fprintln(w, "bytes\tcount\tthread\tlocation")
	for _, row := range rows {
		location := "<unknown>"
		if stack := r.GetStack(row.key.FrameIndex, 1); len(stack) > 0 {
			f := stack[0]
			location = fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Lineno)
		}
		thread := r.ThreadName(row.key.TID)
		if thread == "" {
			thread = fmt.Sprintf("%d", row.key.TID)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", row.agg.Size, row.agg.NAllocations, thread, location)
	}
}

func cmdServe(ctx context.Context, args []string) int {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	addr := flags.String("addr", "localhost:6061", "HTTP listen address.")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}
	if flags.NArg() != 1 {
		usage()
		return exitUsage
	}
	path := flags.Arg(0)

	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/heap", memtrace.ServeSnapshot(path))

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	log.Printf("serving %s on http://%s/debug/pprof/heap", path, *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	return exitOK
}

func cmdLive(ctx context.Context, args []string) int {
	flags := pflag.NewFlagSet("live", pflag.ContinueOnError)
	listen := flags.String("listen", "localhost:4248", "QUIC listen address.")
	output := flags.String("output", "", "File to copy the streamed capture into.")
	if err := flags.Parse(args); err != nil || *output == "" {
		usage()
		return exitUsage
	}

	ln, err := memtrace.ListenCapture(*listen, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	defer ln.Close()
	log.Printf("waiting for a capture stream on %s", ln.Addr())

	stream, err := ln.AcceptRaw(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	defer stream.Close()

	// The stream carries the exact capture byte format; archive it as is.
	// End of stream is clean termination, streamed captures have no
	// trailer-chunk padding.
	f, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	_, err = io.Copy(f, stream)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "memtrace: %v\n", err)
		return exitTracking
	}
	log.Printf("capture written to %s", *output)
	return exitOK
}

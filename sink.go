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
	"os"
)

// Sink is the byte destination of a capture. Implementations must accept
// writes from one goroutine at a time; the record writer serializes access.
type Sink interface {
	// WriteAll writes the whole buffer or fails.
	WriteAll(p []byte) error
	// Flush pushes buffered bytes to the destination.
	Flush() error
	// SeekToStart repositions the write cursor at offset zero. It returns
	// false for destinations that cannot seek (sockets).
	SeekToStart() bool
	// CloneInChild produces a sink for a forked child process, or nil
	// when the sink cannot follow a fork.
	CloneInChild() (Sink, error)
	Close() error
}

// fileGrowthChunk is the allocation granularity of file sinks. A process
// killed mid-capture leaves the file padded with zeros up to the chunk
// boundary; readers skip the padding.
const fileGrowthChunk = 4096

// FileSink writes a capture to a file, growing it in aligned chunks.
type FileSink struct {
	file      *os.File
	path      string
	offset    int64
	allocated int64
}

// NewFileSink creates or truncates the file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f, path: path}, nil
}

func (s *FileSink) WriteAll(p []byte) error {
	end := s.offset + int64(len(p))
	if end > s.allocated {
		alloc := (end + fileGrowthChunk - 1) &^ (fileGrowthChunk - 1)
		if err := s.file.Truncate(alloc); err != nil {
			return err
		}
		s.allocated = alloc
	}
	if _, err := s.file.WriteAt(p, s.offset); err != nil {
		return err
	}
	s.offset = end
	return nil
}

func (s *FileSink) Flush() error {
	return s.file.Sync()
}

func (s *FileSink) SeekToStart() bool {
	s.offset = 0
	return true
}

// CloneInChild opens a sibling file with the child pid appended to the
// name, so a forked child gets its own capture.
func (s *FileSink) CloneInChild() (Sink, error) {
	return NewFileSink(fmt.Sprintf("%s.%d", s.path, os.Getpid()))
}

func (s *FileSink) Close() error {
	return s.file.Close()
}

// NullSink discards everything. Useful for measuring tracking overhead.
type NullSink struct{}

func (NullSink) WriteAll([]byte) error        { return nil }
func (NullSink) Flush() error                 { return nil }
func (NullSink) SeekToStart() bool            { return true }
func (NullSink) CloneInChild() (Sink, error)  { return NullSink{}, nil }
func (NullSink) Close() error                 { return nil }

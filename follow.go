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
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FollowCapture re-reads a capture file every time it grows and hands a
// fresh reader to fn, until the context is cancelled or fn returns false.
// It drives live reporting on a capture that is still being written: each
// round replays the file from the start, so fn sees a consistent prefix.
//
// Change notifications are coalesced: at most one replay per debounce
// interval.
func FollowCapture(ctx context.Context, path string, debounce time.Duration, fn func(*RecordReader) bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	replay := func() (bool, error) {
		r, f, err := OpenCapture(path)
		if err != nil {
			return false, err
		}
		defer f.Close()
		return fn(r), nil
	}

	if again, err := replay(); err != nil || !again {
		return err
	}

	dirty := false
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				dirty = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if again, err := replay(); err != nil || !again {
				return err
			}
		}
	}
}

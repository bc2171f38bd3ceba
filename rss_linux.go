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

//go:build linux

package memtrace

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// readProcessRSS reads the resident set size from /proc/self/statm. The
// second field is resident pages.
func readProcessRSS() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := bytes.Fields(data)
	if len(fields) < 2 {
		return 0, fmt.Errorf("statm: unexpected contents %q", data)
	}
	var pages uint64
	for _, c := range fields[1] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("statm: bad resident field %q", fields[1])
		}
		pages = pages*10 + uint64(c-'0')
	}
	return pages * uint64(unix.Getpagesize()), nil
}

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

// maxNativeFrames bounds how deep a native trace can get; allocator call
// sites deeper than this are truncated at the outer end.
const maxNativeFrames = 128

// NativeTrace is one captured native stack. The skip prefix drops the
// interceptor machinery's own frames from the innermost end.
type NativeTrace struct {
	ips []uint64
}

// CollectNativeTrace unwinds the current native stack through u, dropping
// the skip innermost frames.
func CollectNativeTrace(u Unwinder, skip int) NativeTrace {
	ips := u.Unwind(maxNativeFrames + skip)
	if skip >= len(ips) {
		return NativeTrace{}
	}
	return NativeTrace{ips: ips[skip:]}
}

// Len returns the number of frames in the trace.
func (t NativeTrace) Len() int {
	return len(t.ips)
}

// Frames returns the instruction pointers innermost first.
func (t NativeTrace) Frames() []uint64 {
	return t.ips
}

// FramesOutermostFirst returns the instruction pointers ordered the way
// the writer interns native stacks.
func (t NativeTrace) FramesOutermostFirst() []uint64 {
	out := make([]uint64, len(t.ips))
	for i, ip := range t.ips {
		out[len(out)-1-i] = ip
	}
	return out
}

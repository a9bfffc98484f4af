// Copyright 2025 LiveKit, Inc.
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

// Package webcast wires a drop-oldest frame queue, a pacing scheduler, and
// a capture invalidator into a pipeline that republishes an irregular
// capture cadence as a constant-cadence frame stream.
package webcast

import "time"

// StorageKind describes how CapturedFrame.Pixels should be treated.
type StorageKind int

const (
	// CPUMemory means Pixels is a directly addressable host memory buffer;
	// the pipeline may memcpy it immediately.
	CPUMemory StorageKind = iota
	// OtherStorage covers shared-memory or texture handles. The pipeline
	// does not dereference these itself; a caller-supplied adapter must
	// copy them into a CPUMemory CapturedFrame before it reaches the queue.
	OtherStorage
)

// CapturedFrame is a transient, unowned descriptor handed to the capture
// callback by a FrameSource. Pixels is valid only for the duration of the
// callback; the buffered pipeline copies it before returning, and the
// unbuffered pipeline hands it to the Sink synchronously without copying.
type CapturedFrame struct {
	Pixels            []byte
	Width             int
	Height            int
	Stride            int
	CapturedMonotonic time.Time
	CapturedWallclock time.Time
	StorageKind       StorageKind
}

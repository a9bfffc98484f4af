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

package webcast

// FrameSource is the external producer: an off-screen rendering surface the
// pipeline drives with invalidate() and receives captures from via the
// callback registered with SetPaintCallback.
type FrameSource interface {
	// SetPaintCallback registers the function invoked synchronously with
	// each captured frame. The frame passed to fn is only valid for the
	// duration of the call.
	SetPaintCallback(fn func(CapturedFrame))
	// Invalidate requests a repaint. It may fail transiently; the caller
	// retries on the next scheduling opportunity.
	Invalidate() error
	// Shutdown stops the source from emitting further frames.
	Shutdown()
}

// PixelFormat identifies the pixel layout of a FrameDescriptor. The
// pipeline only ever produces BGRA.
type PixelFormat int

const (
	// BGRA is the only format the pipeline produces: 8-bit BGRA, stride = width*4.
	BGRA PixelFormat = iota
)

// FrameDescriptor is what the pipeline hands to a Sink. Pointer validity is
// until Send returns, unless RequiresRetention is set by the Sink.
type FrameDescriptor struct {
	Pixels          []byte
	Width           int
	Height          int
	Stride          int
	RateNumerator   int64
	RateDenominator int64
	Format          PixelFormat
	Progressive     bool
	Timecode        int64 // synthesized, monotonically increasing
	AspectRatio     float64

	// RequiresRetention tells the pipeline to keep the backing buffer
	// alive until the next Send call (asynchronous sink mode). The
	// pipeline honors this by not reusing or releasing Pixels' storage
	// until the following send.
	RequiresRetention bool
}

// Sink is the external consumer: it transmits a frame descriptor
// synchronously, owning the wire format entirely.
type Sink interface {
	// Send transmits fd. The pipeline treats a returned error as a
	// transient failure: it logs and continues on the next tick without
	// incrementing the sent counter.
	Send(fd FrameDescriptor) error
}

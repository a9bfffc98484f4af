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

// Package pipeline wires a FrameQueue, a Pacer, and a CaptureInvalidator
// into the orchestrator that turns a FrameSource's irregular capture
// cadence into a Sink's constant-cadence frame stream.
package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/paceframe/webcast"
	"github.com/paceframe/webcast/framequeue"
	"github.com/paceframe/webcast/invalidator"
	"github.com/paceframe/webcast/pacer"
	"github.com/paceframe/webcast/telemetry"
)

// Pipeline owns the full capture-to-send path: a FrameSource feeds it
// captures, which it either paces through a FrameQueue+Pacer or forwards
// directly to a Sink, depending on PipelineOptions.BufferingEnabled.
type Pipeline struct {
	opts   webcast.PipelineOptions
	source webcast.FrameSource
	sink   webcast.Sink
	log    logger.Logger

	queue       *framequeue.Queue
	pacer       *pacer.Pacer
	invalidator *invalidator.CaptureInvalidator
	reporter    *telemetry.Reporter
	counters    *telemetry.Counters
	pool        *webcast.BufferPool

	timecode atomic.Int64
}

// toFrameDescriptor converts the pacer's frame shape to webcast.FrameDescriptor.
func toFrameDescriptor(fd pacer.SinkFrame) webcast.FrameDescriptor {
	return webcast.FrameDescriptor{
		Pixels:            fd.Pixels,
		Width:             fd.Width,
		Height:            fd.Height,
		Stride:            fd.Stride,
		RateNumerator:     fd.RateNumerator,
		RateDenominator:   fd.RateDenominator,
		Format:            webcast.BGRA,
		Progressive:       fd.Progressive,
		Timecode:          fd.Timecode,
		AspectRatio:       fd.AspectRatio,
		RequiresRetention: fd.RequiresRetention,
	}
}

// sinkAdapter implements pacer.Sink over a webcast.Sink, filling in the
// fields the pacer does not itself compute (format, aspect ratio, timecode).
type sinkAdapter struct {
	sink     webcast.Sink
	timecode *atomic.Int64
}

func (a *sinkAdapter) Send(fd pacer.SinkFrame) error {
	out := toFrameDescriptor(fd)
	out.Timecode = a.timecode.Add(1)
	if out.Height > 0 {
		out.AspectRatio = float64(fd.Width) / float64(out.Height)
	}
	return a.sink.Send(out)
}

// NewPipeline validates opts and wires the pipeline's components together.
// It does not start any goroutines; apart from registering the paint
// callback with source, it does not call source or sink. Call Start for
// that.
func NewPipeline(opts webcast.PipelineOptions, source webcast.FrameSource, sink webcast.Sink, log logger.Logger) (*Pipeline, error) {
	if source == nil {
		return nil, &webcast.ConfigError{Field: "source", Err: fmt.Errorf("frame source must not be nil")}
	}
	if sink == nil {
		return nil, &webcast.ConfigError{Field: "sink", Err: fmt.Errorf("sink must not be nil")}
	}
	if !opts.Rate.Valid() {
		return nil, &webcast.ConfigError{Field: "rate", Err: fmt.Errorf("frame rate must be a positive reduced ratio, got %+v", opts.Rate)}
	}
	if opts.TargetDepth < 1 {
		return nil, &webcast.ConfigError{Field: "target_depth", Err: fmt.Errorf("target depth must be >= 1, got %d", opts.TargetDepth)}
	}
	if log == nil {
		log = logger.GetLogger()
	}

	p := &Pipeline{
		opts:     opts,
		source:   source,
		sink:     sink,
		log:      log,
		counters: &telemetry.Counters{},
		pool:     &webcast.BufferPool{},
	}

	frameDuration := time.Duration(opts.Rate.FrameDuration() * float64(time.Second))

	invalidatorMode := invalidator.FreeRunning
	if opts.BufferingEnabled && opts.PacedInvalidation {
		invalidatorMode = invalidator.Paced
	}
	p.invalidator = invalidator.New(invalidator.Options{
		TargetInterval:   frameDuration,
		WatchdogInterval: opts.WatchdogInterval,
		Mode:             invalidatorMode,
		CadenceAdapted:   opts.BufferingEnabled && opts.PumpCadenceAdaptation,
		Invalidate:       source.Invalidate,
		Logger:           log,
	})

	if opts.BufferingEnabled {
		// FrameQueue's own bound is given headroom above high_watermark:
		// high_watermark is the back-pressure threshold the pacer compares
		// backlog against (step 7), and FrameQueue's drop-oldest bound is a
		// distinct, larger ceiling. Wiring them to the same value would make
		// "count > high_watermark" unreachable, since FrameQueue never lets
		// count exceed its own capacity.
		p.queue = framequeue.New(opts.HighWatermark + opts.TargetDepth)
		p.pacer = pacer.New(pacer.Options{
			Queue:       p.queue,
			Sink:        &sinkAdapter{sink: sink, timecode: &p.timecode},
			Invalidator: p.invalidator,

			Rate:          opts.Rate,
			FrameDuration: frameDuration,
			TargetDepth:   opts.TargetDepth,
			LowWatermark:  opts.LowWatermark,
			HighWatermark: opts.HighWatermark,

			AllowLatencyExpansion: opts.AllowLatencyExpansion,
			PacedInvalidation:     opts.PacedInvalidation,
			CaptureBackpressure:   opts.CaptureBackpressure,
			PumpCadenceAdaptation: opts.PumpCadenceAdaptation,

			Release: p.pool.Put,

			Counters: p.counters,
			Logger:   log,
		})
	}

	p.reporter = telemetry.NewReporter(p.counters, p.queueStats, opts.TelemetryInterval, log)

	source.SetPaintCallback(p.onCapture)
	return p, nil
}

// queueStats reports the values telemetry.Reporter needs from the queue:
// current depth and cumulative overflow/stale drop counts.
func (p *Pipeline) queueStats() (backlog int, droppedFromOverflow, droppedAsStale uint64) {
	if p.queue == nil {
		return 0, 0, 0
	}
	return p.queue.Count(), p.queue.DroppedFromOverflow(), p.queue.DroppedAsStale()
}

// onCapture is the FrameSource paint callback. cf is only valid for the
// duration of this call; the buffered path copies it before returning,
// and the passthrough path sends it synchronously before returning.
func (p *Pipeline) onCapture(cf webcast.CapturedFrame) {
	p.invalidator.NotifyPaint()
	p.counters.Captured.Add(1)

	if p.pacer == nil {
		p.sendPassthrough(cf)
		return
	}

	frame, err := p.copyIntoQueue(cf)
	if err != nil {
		p.log.Warnw("dropping malformed capture", err)
		return
	}
	p.queue.Enqueue(frame)
	p.pacer.NotifyCapture()
}

// copyIntoQueue copies cf's pixels into a pooled buffer and returns an
// OwnedFrame ready to enqueue. The pacer returns a frame's buffer to the
// pool (via Options.Release) once it retires it -- on the send that
// supersedes it as the repeat-on-underrun frame, or when the latency
// integrator drains it unsent -- so steady-state operation recycles rather
// than allocating. Frames dropped by the queue itself on overflow or
// staleness are not recycled; by the time FrameQueue discards them the
// pacer has no handle to return them through.
func (p *Pipeline) copyIntoQueue(cf webcast.CapturedFrame) (framequeue.OwnedFrame, error) {
	stride := cf.Width * 4
	if cf.Stride != stride {
		return framequeue.OwnedFrame{}, fmt.Errorf("pipeline: stride %d does not match width*4 (%d)", cf.Stride, stride)
	}
	if len(cf.Pixels) != stride*cf.Height {
		return framequeue.OwnedFrame{}, fmt.Errorf("pipeline: pixel buffer length %d does not match stride*height (%d)", len(cf.Pixels), stride*cf.Height)
	}
	buf := p.pool.Get(stride, cf.Height)
	buf = buf[:len(cf.Pixels)]
	copy(buf, cf.Pixels)
	return framequeue.OwnedFrame{
		Pixels:            buf,
		Width:             cf.Width,
		Height:            cf.Height,
		Stride:            stride,
		CapturedWallclock: cf.CapturedWallclock,
		CapturedMonotonic: cf.CapturedMonotonic,
	}, nil
}

func (p *Pipeline) sendPassthrough(cf webcast.CapturedFrame) {
	fd := webcast.FrameDescriptor{
		Pixels:          cf.Pixels,
		Width:           cf.Width,
		Height:          cf.Height,
		Stride:          cf.Stride,
		RateNumerator:   p.opts.Rate.Num,
		RateDenominator: p.opts.Rate.Den,
		Format:          webcast.BGRA,
		Progressive:     true,
		Timecode:        p.timecode.Add(1),
	}
	if cf.Height > 0 {
		fd.AspectRatio = float64(cf.Width) / float64(cf.Height)
	}
	if err := p.sink.Send(fd); err != nil {
		p.log.Warnw("sink send failed", err)
		return
	}
	p.counters.Sent.Add(1)
}

// Start begins capture invalidation, pacing (when buffering is enabled),
// and periodic telemetry.
func (p *Pipeline) Start() {
	p.invalidator.Start()
	if p.pacer != nil {
		p.pacer.Start()
	}
	p.reporter.Start()
}

// Stop shuts the pipeline down in dependency order: telemetry first (it only
// reads counters), then the pacer (so it stops pulling from the queue),
// then the invalidator and the source itself.
func (p *Pipeline) Stop() {
	p.reporter.Stop()
	if p.pacer != nil {
		p.pacer.Stop()
	}
	p.invalidator.Stop()
	p.source.Shutdown()
}

// Counters exposes a snapshot of the pipeline's telemetry counters.
func (p *Pipeline) Counters() telemetry.Snapshot {
	backlog, dfo, das := p.queueStats()
	return p.counters.Snapshot(backlog, dfo, das)
}

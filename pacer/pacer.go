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

// Package pacer drives a Sink at a constant cadence from frames supplied by
// a FrameQueue, decoupling it from the bursty rate at which frames arrive.
package pacer

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"

	"github.com/paceframe/webcast/framequeue"
	"github.com/paceframe/webcast/framerate"
	"github.com/paceframe/webcast/telemetry"
)

// spinThreshold is the point below which the sleep loop busy-waits instead
// of arming a timer, trading CPU for precision on the last stretch before a
// deadline.
const spinThreshold = 500 * time.Microsecond

// state is the pacer's two-state machine.
type state int

const (
	warmingUp state = iota
	primed
)

// Sink is the subset of webcast.Sink the pacer depends on. Declared here
// (rather than imported) so pacer has no dependency on the root package;
// webcast.Sink satisfies it structurally.
type Sink interface {
	Send(fd SinkFrame) error
}

// SinkFrame mirrors webcast.FrameDescriptor's fields the pacer is
// responsible for filling in. The root package converts to/from its own
// FrameDescriptor type when wiring the pipeline together.
type SinkFrame struct {
	Pixels            []byte
	Width             int
	Height            int
	Stride            int
	RateNumerator     int64
	RateDenominator   int64
	Progressive       bool
	Timecode          int64
	AspectRatio       float64
	RequiresRetention bool
}

// Invalidator is the subset of invalidator.CaptureInvalidator the pacer
// drives. Declared here for the same reason as Sink: it keeps pacer from
// importing invalidator, so the two packages can be wired together only by
// their common caller (pipeline).
type Invalidator interface {
	RequestNext()
	Pause()
	Resume()
	UpdateDrift(deltaFrames float64)
}

// Options configures a Pacer.
type Options struct {
	Queue       *framequeue.Queue
	Sink        Sink
	Invalidator Invalidator // nil is valid: paced invalidation/back-pressure simply become no-ops

	Rate          framerate.Rate // configured/nominal rate, used for drift comparison and as the send-time fallback
	FrameDuration time.Duration
	TargetDepth   int
	LowWatermark  float64
	HighWatermark int

	AllowLatencyExpansion bool
	PacedInvalidation     bool
	CaptureBackpressure   bool
	PumpCadenceAdaptation bool

	// Release, if set, is called with a frame's backing buffer once the
	// pacer has finished with it for good: the previously held repeat
	// frame, superseded by a new send, and frames shed by the latency
	// integrator's drain. Lets the caller return pooled storage.
	Release func(pixels []byte, stride, height int)

	Counters *telemetry.Counters
	Logger   logger.Logger
}

// Pacer runs the consumer loop of §4.3: a warm-up/primed state machine, a
// latency-error integrator, and a high-precision sleep loop.
type Pacer struct {
	opts Options

	mu            sync.Mutex
	st            state
	latencyError  float64
	lastSent      *framequeue.OwnedFrame
	warmupStart   time.Time
	expanding     bool
	invalidatorPaused bool

	driftWindow []time.Duration // sliding window of inter-capture intervals
	lastCapture time.Time

	stopped core.Fuse
	done    sync.WaitGroup
}

// New constructs a Pacer. It does not start the consumer loop; call Start
// for that.
func New(opts Options) *Pacer {
	return &Pacer{
		opts: opts,
		st:   warmingUp,
	}
}

// Start runs the consumer loop on its own goroutine.
func (p *Pacer) Start() {
	p.done.Add(1)
	go p.run()
}

// NotifyCapture records the wall-clock time of an observed capture, feeding
// the drift-measurement sliding window (§4.3.3). The pipeline calls this
// from the FrameSource capture callback; counting the capture itself is the
// caller's responsibility (it also owns the unbuffered passthrough path,
// which never calls NotifyCapture at all).
func (p *Pacer) NotifyCapture() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if !p.lastCapture.IsZero() {
		p.driftWindow = append(p.driftWindow, now.Sub(p.lastCapture))
		if len(p.driftWindow) > 60 {
			p.driftWindow = p.driftWindow[1:]
		}
	}
	p.lastCapture = now
}

// measuredRate returns the drift-window's measured frame rate, snapped to a
// known broadcast rate or continued-fraction approximated, and the drift in
// frames relative to the configured rate. Returns ok=false with fewer than
// 3 samples, per §4.3.3.
func (p *Pacer) measuredRate(configured framerate.Rate) (rate framerate.Rate, driftFrames float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.driftWindow) < 3 {
		return configured, 0, false
	}
	var total time.Duration
	for _, d := range p.driftWindow {
		total += d
	}
	avg := total / time.Duration(len(p.driftWindow))
	if avg <= 0 {
		return configured, 0, false
	}
	measuredHz := float64(time.Second) / float64(avg)
	rate = framerate.FromDouble(measuredHz, configured)
	configuredHz := configured.Hz()
	if configuredHz > 0 {
		driftFrames = (measuredHz - configuredHz) / configuredHz
	}
	return rate, driftFrames, true
}

// run executes the pacer loop until Stop is called.
func (p *Pacer) run() {
	defer p.done.Done()

	if p.opts.FrameDuration <= 0 {
		return
	}
	start := time.Now()
	var k int64

	p.mu.Lock()
	p.warmupStart = start
	p.mu.Unlock()

	for {
		nextDeadline := start.Add(time.Duration(k) * p.opts.FrameDuration)
		if !p.sleepUntil(nextDeadline) {
			return // shutdown
		}
		k++

		now := time.Now()
		if now.Sub(nextDeadline) > p.opts.FrameDuration {
			// Fell behind by more than one interval: slip forward instead
			// of firing a catch-up burst.
			k = int64(now.Sub(start)/p.opts.FrameDuration) + 1
		}

		p.tick(now)
	}
}

// sleepUntil blocks until deadline or shutdown, returning false on
// shutdown. It spin-waits inside spinThreshold of the deadline and uses a
// timer otherwise, re-checking and spinning the final stretch after waking.
func (p *Pacer) sleepUntil(deadline time.Time) bool {
	for {
		remaining := time.Until(deadline)
		if remaining <= spinThreshold {
			for time.Now().Before(deadline) {
				select {
				case <-p.stopped.Watch():
					return false
				default:
				}
			}
			return true
		}

		wait := remaining - spinThreshold
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.stopped.Watch():
			timer.Stop()
			return false
		}
	}
}

// tick runs one iteration of §4.3.2's state machine. Steps 6-8 (paced
// invalidation, back-pressure, cadence adaptation) only run on the path
// that ends with step 4's dequeue-and-send, exactly as the state machine's
// "return" points dictate; repeat/underrun-only ticks skip them.
func (p *Pacer) tick(now time.Time) {
	backlog := p.opts.Queue.Count()

	p.mu.Lock()
	p.latencyError += float64(backlog) - float64(p.opts.TargetDepth)
	st := p.st
	p.mu.Unlock()

	switch st {
	case warmingUp:
		p.mu.Lock()
		ready := backlog >= p.opts.TargetDepth && p.latencyError >= 0
		p.mu.Unlock()
		if ready {
			p.enterPrimed(now)
			// continue to step 4
		} else {
			p.repeatLast()
			return
		}
	case primed:
		p.mu.Lock()
		expanding := p.expanding
		p.mu.Unlock()
		if !expanding && float64(backlog) <= p.opts.LowWatermark {
			if !p.handleUnderrun(now, backlog) {
				return
			}
			// expansion sub-mode entered: continue to step 4
		}
	}

	frame, ok := p.opts.Queue.TryDequeue()
	if !ok {
		p.handleUnderrun(now, 0)
		return
	}

	p.mu.Lock()
	if p.opts.Queue.Count() == 0 {
		p.expanding = false
	}
	p.mu.Unlock()

	p.send(frame)
	p.drainLatencyIntegrator()
	p.postSendHousekeeping(now)
}

// enterPrimed transitions WarmingUp -> Primed, recording warm-up duration.
func (p *Pacer) enterPrimed(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dur := now.Sub(p.warmupStart)
	p.st = primed
	p.opts.Counters.WarmupCycles.Add(1)
	p.opts.Counters.LastWarmupDuration.Store(int64(dur))
}

// handleUnderrun implements step 3 of §4.3.2: either enter latency
// expansion (keep sending queued frames to empty, returning true so the
// caller continues to step 4) or fall back to WarmingUp, draining the
// queue to its newest frame, repeating, and returning false so the caller
// stops the tick here without running steps 6-8.
func (p *Pacer) handleUnderrun(now time.Time, backlog int) bool {
	p.opts.Counters.Underruns.Add(1)

	p.mu.Lock()
	if p.opts.AllowLatencyExpansion && backlog > 0 {
		p.expanding = true
		p.mu.Unlock()
		return true
	}
	wasPrimed := p.st == primed
	p.st = warmingUp
	p.warmupStart = now
	p.latencyError = 0
	p.expanding = false
	p.mu.Unlock()

	p.opts.Queue.DrainToLatest()
	if wasPrimed {
		p.opts.Logger.Infow("pacer entering warm-up", "backlog", backlog)
	}
	p.repeatLast()
	return false
}

// send transmits frame and retires the previously held last-sent frame.
func (p *Pacer) send(frame framequeue.OwnedFrame) {
	rate, _, _ := p.measuredRate(p.opts.Rate)

	fd := SinkFrame{
		Pixels:          frame.Pixels,
		Width:           frame.Width,
		Height:          frame.Height,
		Stride:          frame.Stride,
		RateNumerator:   rate.Num,
		RateDenominator: rate.Den,
		Progressive:     true,
	}
	if err := p.opts.Sink.Send(fd); err != nil {
		p.opts.Logger.Warnw("sink send failed", err)
	} else {
		p.opts.Counters.Sent.Add(1)
	}

	p.mu.Lock()
	prev := p.lastSent
	p.lastSent = &frame
	p.mu.Unlock()

	// The Sink contract (webcast.FrameDescriptor.RequiresRetention) allows a
	// sink to hold the current frame's Pixels until the following send, so
	// the frame retired here is always the one from the send before this
	// one, never the one just handed to Sink.Send.
	if prev != nil && p.opts.Release != nil {
		p.opts.Release(prev.Pixels, prev.Stride, prev.Height)
	}
}

// repeatLast re-sends the previously transmitted frame, if any, to preserve
// cadence during warm-up or underrun.
func (p *Pacer) repeatLast() {
	p.mu.Lock()
	last := p.lastSent
	p.mu.Unlock()
	if last == nil {
		return
	}

	rate, _, _ := p.measuredRate(p.opts.Rate)
	fd := SinkFrame{
		Pixels:          last.Pixels,
		Width:           last.Width,
		Height:          last.Height,
		Stride:          last.Stride,
		RateNumerator:   rate.Num,
		RateDenominator: rate.Den,
		Progressive:     true,
	}
	if err := p.opts.Sink.Send(fd); err != nil {
		p.opts.Logger.Warnw("sink send failed during repeat", err)
		return
	}
	p.opts.Counters.Repeated.Add(1)
}

// drainLatencyIntegrator implements §4.3.2 step 5: while in Primed and not
// expanding, shed queue depth via drops rather than letting latency
// accumulate.
func (p *Pacer) drainLatencyIntegrator() {
	for {
		p.mu.Lock()
		shouldDrain := p.st == primed && !p.expanding &&
			p.latencyError > 1.0 && p.opts.Queue.Count() > p.opts.TargetDepth
		p.mu.Unlock()
		if !shouldDrain {
			return
		}
		dropped, ok := p.opts.Queue.TryDequeue()
		if !ok {
			return
		}
		p.mu.Lock()
		p.latencyError -= 1.0
		p.mu.Unlock()
		p.opts.Counters.HighWatermarkDrops.Add(1)
		if p.opts.Release != nil {
			p.opts.Release(dropped.Pixels, dropped.Stride, dropped.Height)
		}
	}
}

// postSendHousekeeping implements §4.3.2 steps 6-8: paced invalidation,
// capture back-pressure, and cadence adaptation.
func (p *Pacer) postSendHousekeeping(now time.Time) {
	if p.opts.Invalidator == nil {
		return
	}
	if p.opts.PacedInvalidation {
		p.opts.Invalidator.RequestNext()
	}
	if p.opts.CaptureBackpressure {
		backlog := p.opts.Queue.Count()
		p.mu.Lock()
		wasPaused := p.invalidatorPaused
		if backlog > p.opts.HighWatermark {
			p.invalidatorPaused = true
		} else {
			p.invalidatorPaused = false
		}
		nowPaused := p.invalidatorPaused
		p.mu.Unlock()

		if nowPaused && !wasPaused {
			p.opts.Invalidator.Pause()
			p.opts.Counters.CaptureGatePauses.Add(1)
		} else if !nowPaused && wasPaused {
			p.opts.Invalidator.Resume()
			p.opts.Counters.CaptureGateResumes.Add(1)
		}
	}
	if p.opts.PumpCadenceAdaptation {
		if _, driftFrames, ok := p.measuredRate(p.opts.Rate); ok {
			p.opts.Invalidator.UpdateDrift(driftFrames)
		}
	}
}

// Stop cancels the sleep loop, waits for the loop started by Start to
// exit, and releases the pacer's held state. Idempotent; safe to call even
// if Start was never called.
func (p *Pacer) Stop() {
	p.stopped.Break()
	p.done.Wait()
	p.mu.Lock()
	p.lastSent = nil
	p.mu.Unlock()
}

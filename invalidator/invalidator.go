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

// Package invalidator schedules repaint requests into a FrameSource-like
// producer, with a watchdog that un-sticks a stalled producer and optional
// pacing/back-pressure coupling to a consumer.
package invalidator

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
)

// InvalidateFunc requests a repaint from the producer. It is expected to be
// cheap and non-blocking; invalidator treats a returned error as a
// transient producer failure.
type InvalidateFunc func() error

// Mode selects how the invalidator drives InvalidateFunc.
type Mode int

const (
	// FreeRunning fires on a fixed periodic tick regardless of consumer state.
	FreeRunning Mode = iota
	// Paced fires an initial invalidate on Start, then only in response to
	// RequestNext, coalescing multiple requests within one tick period.
	Paced
)

// Options configures a CaptureInvalidator.
type Options struct {
	TargetInterval time.Duration
	WatchdogInterval time.Duration
	Mode             Mode
	// CadenceAdapted, when true, lets UpdateDrift adjust the effective
	// period by up to ±½ of TargetInterval. Independent of Mode.
	CadenceAdapted bool
	Invalidate     InvalidateFunc
	Logger         logger.Logger
}

// CaptureInvalidator drives repaint requests into a producer on a timer or
// on-demand, with a watchdog and pause/resume back-pressure controls.
type CaptureInvalidator struct {
	opts Options

	mu         sync.Mutex
	paused     bool
	lastPaint  time.Time
	correction time.Duration // cadence-adapted interval correction, bounded ±½ target
	pending    bool          // paced mode: a request arrived since the last invalidate

	requestCh chan struct{}
	stopped   core.Fuse
	done      sync.WaitGroup
}

// New constructs a CaptureInvalidator. It does not start any goroutines
// until Start is called.
func New(opts Options) *CaptureInvalidator {
	if opts.TargetInterval <= 0 {
		opts.TargetInterval = time.Second / 60
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 5 * opts.TargetInterval
	}
	return &CaptureInvalidator{
		opts:      opts,
		requestCh: make(chan struct{}, 1),
	}
}

// Start begins the periodic tick (free-running or paced-with-coalescing)
// and the watchdog loop.
func (c *CaptureInvalidator) Start() {
	c.mu.Lock()
	c.lastPaint = time.Now()
	c.mu.Unlock()

	c.done.Add(2)
	go c.tickLoop()
	go c.watchdogLoop()

	if c.opts.Mode == Paced {
		c.invalidate()
	}
}

// Stop cancels both background loops and waits for them to exit. Idempotent.
func (c *CaptureInvalidator) Stop() {
	c.stopped.Break()
	c.done.Wait()
}

func (c *CaptureInvalidator) effectiveInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.TargetInterval + c.correction
}

func (c *CaptureInvalidator) tickLoop() {
	defer c.done.Done()
	timer := time.NewTimer(c.effectiveInterval())
	defer timer.Stop()

	for {
		select {
		case <-c.stopped.Watch():
			return
		case <-timer.C:
			if c.opts.Mode == FreeRunning {
				if !c.isPaused() {
					c.invalidate()
				}
			} else { // Paced
				c.mu.Lock()
				fire := c.pending && !c.paused
				c.pending = false
				c.mu.Unlock()
				if fire {
					c.invalidate()
				}
			}
			timer.Reset(c.effectiveInterval())
		case <-c.requestCh:
			// Paced mode only: a RequestNext arrived. Coalesce by marking
			// pending; the next tick (or an overdue one) flushes it.
			c.mu.Lock()
			c.pending = true
			c.mu.Unlock()
		}
	}
}

func (c *CaptureInvalidator) watchdogLoop() {
	defer c.done.Done()
	ticker := time.NewTicker(c.opts.WatchdogInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopped.Watch():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPaint) > c.opts.WatchdogInterval
			c.mu.Unlock()
			if stale {
				c.invalidate()
			}
		}
	}
}

func (c *CaptureInvalidator) invalidate() {
	if c.opts.Invalidate == nil {
		return
	}
	if err := c.opts.Invalidate(); err != nil {
		c.opts.Logger.Warnw("capture invalidate failed", err)
	}
}

// RequestNext asks the invalidator (in Paced mode) to fire on the next
// opportunity. Multiple calls before the next tick coalesce into one
// invalidate. In FreeRunning mode this is a no-op.
func (c *CaptureInvalidator) RequestNext() {
	select {
	case c.requestCh <- struct{}{}:
	default:
	}
}

// NotifyPaint records that a paint was observed, resetting the watchdog
// baseline. The pipeline calls this from the capture callback.
func (c *CaptureInvalidator) NotifyPaint() {
	c.mu.Lock()
	c.lastPaint = time.Now()
	c.mu.Unlock()
}

// Pause suppresses periodic and paced invalidates. The watchdog keeps
// running and NotifyPaint still updates timestamps.
func (c *CaptureInvalidator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume re-enables invalidates and resets the watchdog baseline so it does
// not fire spuriously for time spent paused.
func (c *CaptureInvalidator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.lastPaint = time.Now()
	c.mu.Unlock()
}

func (c *CaptureInvalidator) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// UpdateDrift adjusts the cadence-adapted correction term. deltaFrames is
// the Pacer's measured drift in frames (positive: producer running fast).
// The correction is bounded to ±½ of TargetInterval and only has an effect
// when CadenceAdapted is set.
func (c *CaptureInvalidator) UpdateDrift(deltaFrames float64) {
	if !c.opts.CadenceAdapted {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	corr := time.Duration(-deltaFrames * float64(c.opts.TargetInterval))
	bound := c.opts.TargetInterval / 2
	if corr > bound {
		corr = bound
	} else if corr < -bound {
		corr = -bound
	}
	c.correction = corr
}

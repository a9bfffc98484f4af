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

package pacer

import (
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"

	"github.com/paceframe/webcast/framequeue"
	"github.com/paceframe/webcast/framerate"
	"github.com/paceframe/webcast/telemetry"
)

type fakeSink struct {
	mu    sync.Mutex
	sends []SinkFrame
	times []time.Time
	err   error
}

func (f *fakeSink) Send(fd SinkFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, fd)
	f.times = append(f.times, time.Now())
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeSink) tag(i int) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[i].Pixels[0]
}

type fakeInvalidator struct {
	mu           sync.Mutex
	requestNext  int
	pauses       int
	resumes      int
	driftSamples []float64
}

func (f *fakeInvalidator) RequestNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestNext++
}

func (f *fakeInvalidator) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
}

func (f *fakeInvalidator) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
}

func (f *fakeInvalidator) UpdateDrift(deltaFrames float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driftSamples = append(f.driftSamples, deltaFrames)
}

func taggedFrame(tag byte) framequeue.OwnedFrame {
	f, err := framequeue.NewOwnedFrame([]byte{tag, tag, tag, tag, tag, tag, tag, tag}, 1, 2, 4, time.Now(), time.Now())
	if err != nil {
		panic(err)
	}
	return f
}

// testPacer bundles a Pacer with its fakes for assertions, wired with
// sensible defaults that every test overrides as needed. tick is driven
// manually (never via Start) so tests are deterministic and do not race
// against a background sleep loop.
type testPacer struct {
	p     *Pacer
	queue *framequeue.Queue
	sink  *fakeSink
	inval *fakeInvalidator
	ctr   *telemetry.Counters
}

func newTestPacer(t *testing.T, capacity, targetDepth int, lowWatermark float64, highWatermark int) *testPacer {
	tp := &testPacer{
		queue: framequeue.New(capacity),
		sink:  &fakeSink{},
		inval: &fakeInvalidator{},
		ctr:   &telemetry.Counters{},
	}
	tp.p = New(Options{
		Queue:       tp.queue,
		Sink:        tp.sink,
		Invalidator: tp.inval,

		Rate:          framerate.Rate{Num: 60, Den: 1},
		FrameDuration: 16666667 * time.Nanosecond,
		TargetDepth:   targetDepth,
		LowWatermark:  lowWatermark,
		HighWatermark: highWatermark,

		Counters: tp.ctr,
		Logger:   logger.NewTestLogger(t),
	})
	return tp
}

// P6: no frame is sent until the queue has reached target depth and the
// latency-error integrator is non-negative; before that, ticks either send
// nothing (no prior frame to repeat) or repeat the last sent frame.
func TestPacerWarmupGatesFirstSend(t *testing.T) {
	tp := newTestPacer(t, 10, 3, 2.5, 4)

	// Empty queue: not at target depth, and the debt this tick accrues to
	// latency_error (0-3 = -3) must be repaid before Primed can be entered.
	tp.p.tick(time.Now())
	require.Equal(t, 0, tp.sink.count(), "not at target depth yet: no send, no prior frame to repeat")
	require.Equal(t, warmingUp, tp.p.st)

	// Backlog of 6 overshoots target_depth by 3, exactly repaying the debt
	// accrued above: latency_error goes from -3 to (6-3)+(-3) = 0.
	for tag := byte(1); tag <= 6; tag++ {
		tp.queue.Enqueue(taggedFrame(tag))
	}
	tp.p.tick(time.Now())
	require.Equal(t, 1, tp.sink.count(), "reaching target depth and repaying the latency debt primes and sends")
	require.Equal(t, byte(1), tp.sink.tag(0), "FIFO: the first frame enqueued is the first sent")
	require.Equal(t, primed, tp.p.st)
	require.EqualValues(t, 1, tp.ctr.WarmupCycles.Load())
	require.EqualValues(t, 1, tp.ctr.Sent.Load())
}

// S2 / underrun without latency expansion: an empty or near-empty backlog
// while primed resets to WarmingUp, drains the queue, and repeats the last
// sent frame rather than sending nothing.
func TestPacerUnderrunResetsToWarmup(t *testing.T) {
	tp := newTestPacer(t, 10, 1, 0.5, 4)
	tp.p.opts.AllowLatencyExpansion = false

	tp.queue.Enqueue(taggedFrame(1))
	tp.p.tick(time.Now())
	require.Equal(t, primed, tp.p.st)
	require.Equal(t, 1, tp.sink.count())

	// Queue now empty: backlog (0) <= low watermark (0.5) triggers underrun.
	tp.p.tick(time.Now())
	require.Equal(t, warmingUp, tp.p.st, "plain underrun falls back to WarmingUp")
	require.EqualValues(t, 1, tp.ctr.Underruns.Load())
	require.Equal(t, 2, tp.sink.count(), "underrun repeats the last sent frame")
	require.Equal(t, byte(1), tp.sink.tag(1))
	require.EqualValues(t, 1, tp.ctr.Repeated.Load())
}

// Underrun with latency expansion enabled and a non-empty backlog enters the
// expansion sub-mode instead of resetting to WarmingUp, continuing on to
// send the remaining queued frame(s).
func TestPacerLatencyExpansionContinuesSending(t *testing.T) {
	tp := newTestPacer(t, 10, 4, 3.5, 6)
	tp.p.opts.AllowLatencyExpansion = true

	tp.queue.Enqueue(taggedFrame(1))
	tp.queue.Enqueue(taggedFrame(2))
	tp.queue.Enqueue(taggedFrame(3))
	tp.queue.Enqueue(taggedFrame(4))
	tp.p.tick(time.Now())
	require.Equal(t, primed, tp.p.st)

	// Backlog (3) <= low watermark (3.5) but non-empty: expand instead of
	// resetting, and still dequeue-and-send this tick.
	tp.p.tick(time.Now())
	require.Equal(t, primed, tp.p.st, "expansion sub-mode stays Primed")
	require.Equal(t, 2, tp.sink.count())
	require.Equal(t, byte(2), tp.sink.tag(1))

	// Drain the rest; once the queue empties, expanding clears.
	tp.p.tick(time.Now())
	tp.p.tick(time.Now())
	require.Equal(t, 0, tp.queue.Count())
	require.False(t, tp.p.expanding)
}

// S4 / P7: the latency-error integrator sheds backlog via high-watermark
// drops once it accumulates past 1.0 frame of error, bounding it rather than
// letting it grow without limit.
func TestPacerLatencyIntegratorDrainsBacklog(t *testing.T) {
	tp := newTestPacer(t, 20, 2, 0, 100)
	tp.p.st = primed

	for i := byte(1); i <= 6; i++ {
		tp.queue.Enqueue(taggedFrame(i))
	}

	tp.p.tick(time.Now())

	require.Equal(t, 1, tp.sink.count(), "exactly one frame sent this tick")
	require.EqualValues(t, 3, tp.ctr.HighWatermarkDrops.Load(), "excess backlog shed via drops, not extra sends")
	require.Equal(t, 2, tp.queue.Count())
	require.InDelta(t, 1.0, tp.p.latencyError, 1e-9, "integrator settles back to <=1.0 after draining")
}

// S6: capture back-pressure pauses the invalidator once backlog exceeds the
// high watermark and resumes it once backlog falls back to or under it,
// firing Pause/Resume exactly on the transition, not on every tick.
func TestPacerBackpressurePauseResume(t *testing.T) {
	tp := newTestPacer(t, 20, 5, 0, 3)
	tp.p.opts.CaptureBackpressure = true
	tp.p.opts.PacedInvalidation = false
	tp.p.st = primed

	for i := byte(1); i <= 6; i++ {
		tp.queue.Enqueue(taggedFrame(i))
	}

	tp.p.tick(time.Now()) // backlog 6 -> 5, still > 3: pause
	require.Equal(t, 1, tp.inval.pauses)
	require.Equal(t, 0, tp.inval.resumes)

	tp.p.tick(time.Now()) // backlog 5 -> 4, still > 3: no repeated pause
	require.Equal(t, 1, tp.inval.pauses)

	tp.p.tick(time.Now()) // backlog 4 -> 3, now <= 3: resume
	require.Equal(t, 1, tp.inval.pauses)
	require.Equal(t, 1, tp.inval.resumes)
}

// Paced invalidation requests the next capture once per completed
// dequeue-and-send tick, and not on ticks that only repeat.
func TestPacerPacedInvalidationRequestsOnSendOnly(t *testing.T) {
	tp := newTestPacer(t, 10, 1, 0.5, 4)
	tp.p.opts.PacedInvalidation = true

	tp.queue.Enqueue(taggedFrame(1))
	tp.p.tick(time.Now()) // warmup -> primed, sends: requests once
	require.Equal(t, 1, tp.inval.requestNext)

	tp.p.tick(time.Now()) // underrun: resets to warmup, repeats only, no request
	require.Equal(t, 1, tp.inval.requestNext)
}

// P3: the monotonic counters (sent, repeated, underruns, warm-up cycles,
// high-watermark drops) never decrease across ticks.
func TestPacerCountersAreMonotonic(t *testing.T) {
	tp := newTestPacer(t, 20, 3, 2, 10)

	type snap struct {
		sent, repeated, underruns, warmups, drops uint64
	}
	prev := snap{}
	for i := 0; i < 50; i++ {
		switch i % 7 {
		case 0, 1:
			tp.queue.Enqueue(taggedFrame(byte(i)))
		}
		tp.p.tick(time.Now())

		cur := snap{
			sent:      tp.ctr.Sent.Load(),
			repeated:  tp.ctr.Repeated.Load(),
			underruns: tp.ctr.Underruns.Load(),
			warmups:   tp.ctr.WarmupCycles.Load(),
			drops:     tp.ctr.HighWatermarkDrops.Load(),
		}
		require.GreaterOrEqual(t, cur.sent, prev.sent)
		require.GreaterOrEqual(t, cur.repeated, prev.repeated)
		require.GreaterOrEqual(t, cur.underruns, prev.underruns)
		require.GreaterOrEqual(t, cur.warmups, prev.warmups)
		require.GreaterOrEqual(t, cur.drops, prev.drops)
		prev = cur
	}
}

// P2: every frame enqueued is either eventually sent, repeated in place of a
// send, or accounted for by one of the drop counters (overflow, stale, or
// high-watermark) -- none silently vanish. Verified here over a queue whose
// capacity exceeds the burst so overflow/stale drops are zero and every
// enqueued frame must surface as a send.
func TestPacerSendsEveryFrameWhenNoOverflow(t *testing.T) {
	// target_depth (20) stays above the backlog (10) for the whole run, so
	// latency_error never exceeds 1.0 and the integrator drain never fires;
	// low_watermark (-1) is unreachable, so no tick underruns either. Every
	// tick has exactly one frame to dequeue and send.
	tp := newTestPacer(t, 50, 20, -1, 100)
	tp.p.st = primed

	const n = 10
	for i := byte(1); i <= n; i++ {
		tp.queue.Enqueue(taggedFrame(i))
	}
	for i := 0; i < n; i++ {
		tp.p.tick(time.Now())
	}

	require.EqualValues(t, n, tp.ctr.Sent.Load())
	require.Equal(t, 0, tp.queue.Count())
	for i := 0; i < n; i++ {
		require.Equal(t, byte(i+1), tp.sink.tag(i), "FIFO order preserved end to end")
	}
}

// S1: under a steady producer at the pacer's configured rate, Start drives
// real wall-clock cadence close to frame_duration once primed.
func TestPacerMaintainsCadenceUnderSteadyProducer(t *testing.T) {
	tp := newTestPacer(t, 10, 2, 1, 5)
	frameDuration := 20 * time.Millisecond
	tp.p.opts.FrameDuration = frameDuration
	tp.p.opts.Rate = framerate.Rate{Num: 50, Den: 1}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tag := byte(1)
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tp.queue.Enqueue(taggedFrame(tag))
				tag++
			}
		}
	}()

	tp.p.Start()
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
		tp.p.Stop()
	})

	require.Eventually(t, func() bool {
		return tp.sink.count() >= 8
	}, 2*time.Second, 10*time.Millisecond, "pacer should reach steady cadence")

	tp.sink.mu.Lock()
	times := append([]time.Time(nil), tp.sink.times...)
	tp.sink.mu.Unlock()

	for i := len(times) - 4; i < len(times); i++ {
		delta := times[i].Sub(times[i-1])
		require.InDelta(t, float64(frameDuration), float64(delta), float64(15*time.Millisecond),
			"send interval should track configured frame duration once steady")
	}
}

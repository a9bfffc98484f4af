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

package telemetry

import (
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReadsCurrentValues(t *testing.T) {
	var c Counters
	c.Sent.Store(10)
	c.Underruns.Store(2)

	s := c.Snapshot(3, 7, 9)
	require.EqualValues(t, 10, s.Sent)
	require.EqualValues(t, 2, s.Underruns)
	require.Equal(t, 3, s.Backlog)
	require.EqualValues(t, 7, s.DroppedFromOverflow)
	require.EqualValues(t, 9, s.DroppedAsStale)
}

func noQueueStats() (int, uint64, uint64) { return 0, 0, 0 }

func TestReporterStopWithoutStartDoesNotBlock(t *testing.T) {
	var c Counters
	r := NewReporter(&c, noQueueStats, time.Second, logger.GetLogger())
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked when Reporter was never started")
	}
}

func TestReporterStartStopIsClean(t *testing.T) {
	var c Counters
	r := NewReporter(&c, noQueueStats, 5*time.Millisecond, logger.GetLogger())
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop() // idempotent
}

func TestDeltaComputesDifference(t *testing.T) {
	a := Snapshot{Sent: 10, Captured: 12}
	b := Snapshot{Sent: 4, Captured: 4}
	d := delta(a, b)
	require.EqualValues(t, 6, d.Sent)
	require.EqualValues(t, 8, d.Captured)
}

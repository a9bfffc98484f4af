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

import (
	"strconv"
	"time"

	"github.com/paceframe/webcast/framerate"
)

// PipelineOptions is immutable after construction; use NewPipelineOptions
// or NewPipelineOptionsFromFlags to build and validate one.
type PipelineOptions struct {
	BufferingEnabled bool
	Rate             framerate.Rate
	TargetDepth      int
	LowWatermark     float64
	HighWatermark    int

	TelemetryInterval      time.Duration
	WatchdogInterval       time.Duration
	AllowLatencyExpansion  bool
	PacedInvalidation      bool
	CaptureBackpressure    bool
	PumpCadenceAdaptation  bool
	WindowlessFrameRateHint framerate.Rate
}

// NewPipelineOptions validates and normalizes the supplied values,
// deriving LowWatermark and HighWatermark from TargetDepth per the data
// model. The option funcs run after that derivation and may override
// either value; an overridden HighWatermark below 1 is rejected.
func NewPipelineOptions(rate framerate.Rate, targetDepth int, opts ...func(*PipelineOptions)) (PipelineOptions, error) {
	if !rate.Valid() {
		return PipelineOptions{}, configErrorf("rate", "frame rate must be a positive reduced ratio, got %+v", rate)
	}
	if targetDepth < 1 {
		return PipelineOptions{}, configErrorf("target_depth", "target depth must be >= 1, got %d", targetDepth)
	}

	p := PipelineOptions{
		BufferingEnabled:      true,
		Rate:                  rate,
		TargetDepth:           targetDepth,
		LowWatermark:          float64(targetDepth) - 0.5,
		HighWatermark:         targetDepth + 1,
		TelemetryInterval:     10 * time.Second,
		WatchdogInterval:      5 * time.Second,
		PacedInvalidation:     true,
		AllowLatencyExpansion: false,
		CaptureBackpressure:   false,
		PumpCadenceAdaptation: false,
	}
	for _, opt := range opts {
		opt(&p)
	}

	if p.HighWatermark < 1 {
		return PipelineOptions{}, configErrorf("buffer_depth", "high watermark (queue capacity) must be >= 1, got %d", p.HighWatermark)
	}
	if p.TelemetryInterval < 0 {
		return PipelineOptions{}, configErrorf("telemetry_interval", "telemetry interval must be >= 0, got %v", p.TelemetryInterval)
	}
	return p, nil
}

// NewPipelineOptionsFromFlags builds PipelineOptions from the
// configuration surface's flag names (the shape an external CLI/launcher
// would pass in after parsing its own command line). fallbackRate is used
// when "fps" is absent or malformed.
func NewPipelineOptionsFromFlags(flags map[string]string, fallbackRate framerate.Rate) (PipelineOptions, error) {
	rate := fallbackRate
	if v, ok := flags["fps"]; ok {
		rate = framerate.Parse(v, fallbackRate)
	}

	targetDepth := 3
	if v, ok := flags["buffer_depth"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			targetDepth = n
		}
	}

	return NewPipelineOptions(rate, targetDepth, func(p *PipelineOptions) {
		if v, ok := flags["enable_output_buffer"]; ok {
			p.BufferingEnabled = parseBool(v, p.BufferingEnabled)
		}
		if v, ok := flags["telemetry_interval"]; ok {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
				p.TelemetryInterval = time.Duration(secs * float64(time.Second))
			}
		}
		if v, ok := flags["allow_latency_expansion"]; ok {
			p.AllowLatencyExpansion = parseBool(v, p.AllowLatencyExpansion)
		}
		if v, ok := flags["paced_invalidation"]; ok {
			p.PacedInvalidation = parseBool(v, p.PacedInvalidation)
		}
		if v, ok := flags["capture_backpressure"]; ok {
			p.CaptureBackpressure = parseBool(v, p.CaptureBackpressure)
		}
		if v, ok := flags["pump_cadence_adaptation"]; ok {
			p.PumpCadenceAdaptation = parseBool(v, p.PumpCadenceAdaptation)
		}
		if v, ok := flags["windowless_frame_rate"]; ok {
			p.WindowlessFrameRateHint = framerate.Parse(v, rate)
		}
	})
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

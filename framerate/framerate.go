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

// Package framerate parses and normalizes video frame rates expressed as
// rational numbers.
package framerate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Rate is an immutable rational frame rate, always stored reduced with a
// positive denominator.
type Rate struct {
	Num int64
	Den int64
}

// knownRates mirrors the broadcast-standard rates a measured fps snaps to.
var knownRates = []Rate{
	{24000, 1001}, // 23.976
	{24, 1},
	{25, 1},
	{30000, 1001}, // 29.97
	{30, 1},
	{50, 1},
	{60000, 1001}, // 59.94
	{60, 1},
	{100, 1},
	{120, 1},
}

const snapTolerance = 0.0005 // Hz
const maxApproxDenominator = 100000

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// reduce normalizes the sign onto the numerator and divides by the GCD.
func reduce(num, den int64) Rate {
	if den < 0 {
		num, den = -num, -den
	}
	if num == 0 || den == 0 {
		return Rate{}
	}
	if g := gcd(num, den); g > 1 {
		num /= g
		den /= g
	}
	return Rate{Num: num, Den: den}
}

// New builds a reduced rate from a numerator/denominator pair.
func New(num, den int64) (Rate, error) {
	if num <= 0 || den <= 0 {
		return Rate{}, fmt.Errorf("framerate: numerator and denominator must be positive, got %d/%d", num, den)
	}
	return reduce(num, den), nil
}

// Valid reports whether r is a well-formed, positive rate.
func (r Rate) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Hz returns the rate as frames per second.
func (r Rate) Hz() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// FrameDuration returns the nominal duration of one frame at this rate.
func (r Rate) FrameDuration() float64 {
	if r.Num == 0 {
		return 0
	}
	return float64(r.Den) / float64(r.Num)
}

// String renders the rate as "N/D", matching the form Parse accepts.
func (r Rate) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Parse accepts either "N/D" (two positive integers) or a decimal string.
// On any parse failure or non-positive result, it returns fallback.
func Parse(s string, fallback Rate) Rate {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		if len(parts) != 2 {
			return fallback
		}
		num, errN := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		den, errD := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if errN != nil || errD != nil || num <= 0 || den <= 0 {
			return fallback
		}
		return reduce(num, den)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return FromDouble(f, fallback)
}

// FromDouble snaps fps to the nearest known broadcast rate within
// snapTolerance Hz, otherwise approximates it as a continued fraction with
// denominator bounded by maxApproxDenominator.
func FromDouble(fps float64, fallback Rate) Rate {
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return fallback
	}
	for _, known := range knownRates {
		if math.Abs(known.Hz()-fps) <= snapTolerance {
			return known
		}
	}
	return approximate(fps)
}

// approximate finds num/den close to fps via the continued-fraction
// expansion, stopping once den would exceed maxApproxDenominator.
func approximate(fps float64) Rate {
	// Standard continued-fraction convergent search (same algorithm used to
	// rationalize measured clock ratios): track successive convergents
	// h/k and stop before the denominator exceeds the bound.
	x := fps
	h0, h1 := int64(0), int64(1)
	k0, k1 := int64(1), int64(0)
	for i := 0; i < 64; i++ {
		a := int64(math.Floor(x))
		h2 := a*h1 + h0
		k2 := a*k1 + k0
		if k2 > maxApproxDenominator || k2 <= 0 {
			break
		}
		h0, h1 = h1, h2
		k0, k1 = k1, k2
		frac := x - float64(a)
		if frac < 1e-9 {
			break
		}
		x = 1 / frac
	}
	if k1 <= 0 || h1 <= 0 {
		// Degenerate input (fps below about 1/maxApproxDenominator, where no
		// convergent within the bound has a positive numerator): fall back
		// to a direct ratio.
		den := int64(maxApproxDenominator)
		num := int64(math.Round(fps * float64(den)))
		if num <= 0 {
			num = 1
		}
		return reduce(num, den)
	}
	return reduce(h1, k1)
}

// SPDX-License-Identifier: MIT

package state

import "math"

// Multiplier tuning. All adjustments are additive to the baseline and the
// result is clamped to [MinMultiplier, MaxMultiplier].
const (
	BaseMultiplier = 1.5
	MinMultiplier  = 1.0
	MaxMultiplier  = 3.0

	eveningHour    = 20
	afternoonHour  = 15
	eveningAdd     = 0.25
	afternoonAdd   = 0.15
	veryLowEnergy  = 3
	lowEnergy      = 5
	highEnergy     = 8
	veryLowAdd     = 0.4
	lowAdd         = 0.2
	highSub        = -0.1
	offPeakAdd     = 0.3
)

// Multiplier computes the time-estimate correction factor. Pure function:
// no I/O, no hidden state, deterministic for a given input.
//
// Hour tiers are mutually exclusive and evaluated latest-in-day first, so
// the larger evening adjustment can never be shadowed by the smaller
// afternoon one.
func Multiplier(energy, hourOfDay int, inPeakWindow bool) float64 {
	mult := BaseMultiplier

	switch {
	case hourOfDay >= eveningHour:
		mult += eveningAdd
	case hourOfDay >= afternoonHour:
		mult += afternoonAdd
	}

	switch {
	case energy <= veryLowEnergy:
		mult += veryLowAdd
	case energy <= lowEnergy:
		mult += lowAdd
	case energy >= highEnergy:
		mult += highSub
	}

	if !inPeakWindow {
		mult += offPeakAdd
	}

	mult = math.Min(math.Max(mult, MinMultiplier), MaxMultiplier)
	return math.Round(mult*100) / 100
}

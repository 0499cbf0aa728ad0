// Package indicator holds the pure numeric indicator functions. No state,
// no I/O; inputs are chronological close-price series.
package indicator

import "math"

// rsiPeriod is the lookback window for RSI14.
const rsiPeriod = 14

// RSI14 computes the 14-period Relative Strength Index over a
// chronological close series using Wilder smoothing. It needs at least 15
// closes; ok is false when the series is too short. A zero average loss
// yields 100.
func RSI14(closes []float64) (float64, bool) {
	if len(closes) < rsiPeriod+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= rsiPeriod; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss += -delta
		}
	}
	avgGain /= rsiPeriod
	avgLoss /= rsiPeriod

	// Wilder smoothing for the remainder of the series.
	for i := rsiPeriod + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*(rsiPeriod-1) + gain) / rsiPeriod
		avgLoss = (avgLoss*(rsiPeriod-1) + loss) / rsiPeriod
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// PeriodChange returns the fractional change from older to newer. ok is
// false when older is not a positive finite number or newer is not finite.
func PeriodChange(older, newer float64) (float64, bool) {
	if older <= 0 || !isFinite(older) || !isFinite(newer) {
		return 0, false
	}
	return (newer - older) / older, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

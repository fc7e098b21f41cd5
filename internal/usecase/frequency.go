package usecase

import (
	"fmt"
	"math"
	"time"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

// FrequencyCurve shapes the falloff of the dynamic polling rate.
// Epsilon keeps ln away from zero, Exponent >= 1 sharpens the curve.
type FrequencyCurve struct {
	Epsilon  float64
	Exponent float64
}

func DefaultFrequencyCurve() FrequencyCurve {
	return FrequencyCurve{Epsilon: 0.01, Exponent: 2}
}

// A zero FrequencyCurve behaves like DefaultFrequencyCurve.
func (c FrequencyCurve) normalized() FrequencyCurve {
	d := DefaultFrequencyCurve()
	if !validBound(c.Epsilon) {
		c.Epsilon = d.Epsilon
	}
	if math.IsNaN(c.Exponent) || math.IsInf(c.Exponent, 0) || c.Exponent < 1 {
		c.Exponent = d.Exponent
	}
	return c
}

func (c FrequencyCurve) raw(x float64) float64 {
	return 1 / math.Pow(math.Log1p(x+c.Epsilon), c.Exponent)
}

// Frequency maps a percentage closeness (>= 0, in percent units) to a polling
// rate per hour inside [minFreq, maxFreq]. Zero closeness means the trigger is
// reached and returns maxFreq.
func (c FrequencyCurve) Frequency(closeness, minFreq, maxFreq float64) float64 {
	if !validBound(minFreq) || !validBound(maxFreq) || minFreq > maxFreq {
		return HarmonicMean(minFreq, maxFreq)
	}
	if math.IsNaN(closeness) {
		return HarmonicMean(minFreq, maxFreq)
	}
	if closeness <= 0 {
		return maxFreq
	}
	if math.IsInf(closeness, 1) {
		return minFreq
	}
	c = c.normalized()
	ratio := c.raw(closeness) / c.raw(0)
	freq := minFreq + (maxFreq-minFreq)*ratio
	return clamp(freq, minFreq, maxFreq)
}

// HarmonicMean is the neutral rate used when a bound or trigger is unknown.
// An unusable bound is ignored; with no usable bound it returns 0.
func HarmonicMean(a, b float64) float64 {
	okA, okB := validBound(a), validBound(b)
	switch {
	case okA && okB:
		return 2 * a * b / (a + b)
	case okA:
		return a
	case okB:
		return b
	}
	return 0
}

// RerunWaitTime converts a per-hour frequency into the pause before the next
// tick, floored to whole seconds and never below one second.
func RerunWaitTime(frequency float64) (time.Duration, error) {
	if math.IsNaN(frequency) || math.IsInf(frequency, 0) || frequency <= 0 {
		return 0, fmt.Errorf("%w: %v per hour", domain.ErrInvalidFrequency, frequency)
	}
	secs := math.Floor(3600 / frequency)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second, nil
}

// FrequencyPolicy decides how often the scheduler polls.
type FrequencyPolicy interface {
	Frequency(ltp float64, state domain.ManagerState, entryThreshold float64) float64
}

type ConstantFrequency struct {
	PerHour float64
}

func (c ConstantFrequency) Frequency(float64, domain.ManagerState, float64) float64 {
	return c.PerHour
}

// DynamicFrequency polls faster as the price approaches the trigger of the
// current trade status.
type DynamicFrequency struct {
	Min   float64
	Max   float64
	Curve FrequencyCurve
}

func (d DynamicFrequency) Frequency(ltp float64, state domain.ManagerState, entryThreshold float64) float64 {
	if !validBound(ltp) {
		return HarmonicMean(d.Min, d.Max)
	}
	switch state.TradeStatus {
	case domain.TradeStatusNotTriggered:
		if !validBound(entryThreshold) {
			return HarmonicMean(d.Min, d.Max)
		}
		if ltp <= entryThreshold {
			return d.Curve.Frequency(0, d.Min, d.Max)
		}
		return d.Curve.Frequency((ltp/entryThreshold-1)*100, d.Min, d.Max)

	case domain.TradeStatusHolding:
		target, stop := state.TargetPriceAtEntry, state.StopLossPriceAtEntry
		if !validBound(target) || !validBound(stop) {
			return HarmonicMean(d.Min, d.Max)
		}
		targetCloseness := 0.0
		if ltp < target {
			targetCloseness = (1 - ltp/target) * 100
		}
		stopCloseness := 0.0
		if ltp > stop {
			stopCloseness = (ltp/stop - 1) * 100
		}
		return math.Max(
			d.Curve.Frequency(targetCloseness, d.Min, d.Max),
			d.Curve.Frequency(stopCloseness, d.Min, d.Max),
		)
	}
	return HarmonicMean(d.Min, d.Max)
}

func validBound(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

/*
Package compare decides whether two samples of measurements come from the same population.

The decision is a sequential one: [Compare] either answers [Same] or [Different] with the
configured confidence, or [Unknown] if more attempts should be collected before deciding.
Compare is a pure function of its inputs, so repeated calls with the same samples always
agree.
*/
package compare

import (
	"fmt"
	"math"
)

// Mode selects how samples are interpreted.
type Mode string

const (
	// Functional samples are 0/1 values, where 1 denotes a failed attempt.
	Functional Mode = "functional"
	// Performance samples are continuous metric values.
	Performance Mode = "performance"
)

// Valid reports whether m is a known comparison mode.
func (m Mode) Valid() bool {
	return m == Functional || m == Performance
}

// Verdict is the outcome of comparing two samples.
type Verdict string

const (
	Unknown   Verdict = "unknown"
	Same      Verdict = "same"
	Different Verdict = "different"
)

// CountPolicy decides which attempt count indexes the threshold tables when both sides
// were sampled a different number of times.
type CountPolicy string

const (
	CountSmaller CountPolicy = "smaller" // Use the side with fewer attempts
	CountMean    CountPolicy = "mean"    // Use the rounded down mean of both sides
)

// Policy holds the tunables of the decision procedure.
type Policy struct {
	// The p-value at or below which two samples are considered different.
	LowThreshold float64 `yaml:"lowThreshold" json:"lowThreshold" default:"0.01"`

	// Samples whose absolute Cliff's delta is below this value are considered equivalent,
	// given that both have at least EquivalenceMinSamples values.
	EquivalenceDelta      float64 `yaml:"equivalenceDelta" json:"equivalenceDelta" default:"0.147"`
	EquivalenceMinSamples int     `yaml:"equivalenceMinSamples" json:"equivalenceMinSamples" default:"20"`

	CountPolicy CountPolicy `yaml:"countPolicy" json:"countPolicy" default:"smaller" validate:"omitempty,oneof=smaller mean"`
}

// DefaultPolicy is the policy used by [Compare].
var DefaultPolicy = Policy{
	LowThreshold:          0.01,
	EquivalenceDelta:      0.147,
	EquivalenceMinSamples: 20,
	CountPolicy:           CountSmaller,
}

// Result carries a verdict together with the statistics it was derived from.
type Result struct {
	Verdict Verdict

	PValue        float64
	LowThreshold  float64
	HighThreshold float64
	EffectSize    float64 // Cliff's delta of a over b, in [-1, 1]
}

func (r Result) String() string {
	return fmt.Sprintf("%s (p=%.4g, low=%.4g, high=%.4g, delta=%.3f)", r.Verdict, r.PValue, r.LowThreshold, r.HighThreshold, r.EffectSize)
}

// Compare compares the samples a and b with [DefaultPolicy].
// attemptCount is the number of attempts made so far per side.
func Compare(a, b []float64, attemptCount int, mode Mode) Verdict {
	return DefaultPolicy.Detailed(a, b, attemptCount, mode).Verdict
}

// Compare compares the samples a and b with this policy.
func (p Policy) Compare(a, b []float64, attemptCount int, mode Mode) Verdict {
	return p.Detailed(a, b, attemptCount, mode).Verdict
}

// Detailed compares the samples a and b and returns the verdict along with its statistics.
// NaN and infinite values are ignored. An empty sample always results in [Unknown].
func (p Policy) Detailed(a, b []float64, attemptCount int, mode Mode) Result {
	a, b = finite(a), finite(b)

	res := Result{
		Verdict:       Unknown,
		PValue:        1,
		LowThreshold:  p.LowThreshold,
		HighThreshold: math.Max(p.HighThreshold(mode, attemptCount), p.LowThreshold),
	}
	if len(a) == 0 || len(b) == 0 {
		return res
	}

	var u float64
	res.PValue, u = mannWhitneyU(a, b)
	res.EffectSize = 2*u/float64(len(a)*len(b)) - 1

	switch {
	case res.PValue <= res.LowThreshold:
		res.Verdict = Different
	case res.PValue > res.HighThreshold:
		res.Verdict = Same
	case min(len(a), len(b)) >= p.EquivalenceMinSamples && math.Abs(res.EffectSize) < p.EquivalenceDelta:
		res.Verdict = Same
	}
	return res
}

// AttemptCount returns the attempt count used for threshold lookups given the number of
// attempts on each side.
func (p Policy) AttemptCount(countA, countB int) int {
	if p.CountPolicy == CountMean {
		return (countA + countB) / 2
	}
	return min(countA, countB)
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

package compare

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// mannWhitneyU performs a two-sided Mann-Whitney U test on the samples a and b.
// It returns the p-value and the U statistic of a, using the normal approximation
// with tie and continuity correction. Samples made up entirely of ties yield a p-value of 1.
func mannWhitneyU(a, b []float64) (float64, float64) {
	n1, n2 := float64(len(a)), float64(len(b))
	n := n1 + n2

	ranks, ties := rank(a, b)
	var rankSum float64
	for _, r := range ranks[:len(a)] {
		rankSum += r
	}
	u := rankSum - n1*(n1+1)/2

	variance := n1 * n2 / 12 * ((n + 1) - ties/(n*(n-1)))
	if variance <= 0 {
		return 1, u
	}

	z := (math.Abs(u-n1*n2/2) - 0.5) / math.Sqrt(variance)
	if z <= 0 {
		return 1, u
	}
	return math.Min(1, 2*distuv.UnitNormal.Survival(z)), u
}

// rank assigns average ranks to the concatenation of a and b.
// The returned ranks are indexed like the concatenation, the second value is the
// tie correction term sum(t^3 - t) over all groups of tied values.
func rank(a, b []float64) ([]float64, float64) {
	type observation struct {
		value float64
		index int
	}

	all := make([]observation, 0, len(a)+len(b))
	for i, v := range a {
		all = append(all, observation{v, i})
	}
	for i, v := range b {
		all = append(all, observation{v, len(a) + i})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].value < all[j].value })

	ranks := make([]float64, len(all))
	var ties float64
	for i := 0; i < len(all); {
		j := i
		for j < len(all) && all[j].value == all[i].value {
			j++
		}
		// Positions i..j-1 share the ranks i+1..j
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[all[k].index] = avg
		}
		t := float64(j - i)
		ties += t*t*t - t
		i = j
	}
	return ranks, ties
}

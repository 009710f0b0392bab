package compare

// A step applies its threshold to every attempt count from attempts up to the next step.
type step struct {
	attempts  int
	threshold float64
}

// High thresholds bound the p-value above which two samples are considered the same.
// They target a false negative rate of about 1% and were derived offline by running the
// rank test on synthetic samples. Both tables are non-increasing in the attempt count and
// converge to the low threshold, where a decision is always reached.
var (
	functionalThresholds = []step{
		{0, 0.99},
		{5, 0.9},
		{10, 0.6},
		{15, 0.4},
		{20, 0.3},
		{30, 0.2},
		{40, 0.12},
		{60, 0.06},
		{80, 0.03},
		{100, 0.01},
	}

	performanceThresholds = []step{
		{0, 0.99},
		{5, 0.8},
		{10, 0.5},
		{20, 0.3},
		{30, 0.2},
		{40, 0.15},
		{50, 0.1},
		{60, 0.07},
		{80, 0.04},
		{100, 0.02},
		{120, 0.01},
	}
)

// HighThreshold returns the p-value above which samples with the given attempt count
// are considered the same.
func (p Policy) HighThreshold(mode Mode, attemptCount int) float64 {
	table := performanceThresholds
	if mode == Functional {
		table = functionalThresholds
	}

	threshold := table[0].threshold
	for _, s := range table {
		if attemptCount < s.attempts {
			break
		}
		threshold = s.threshold
	}
	return threshold
}

package job

import (
	"context"

	"github.com/DominicWuest/perfscepter/internal/metrics"
	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/compare"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// compareChanges compares the finished attempts of a and b quest by quest.
// Execution failures are compared functionally, result values as performance measurements.
// Any difference makes the changes different, otherwise any undecided comparison leaves
// them unknown.
func (d *Driver) compareChanges(a, b *ChangeState, quests int, mode compare.Mode) compare.Verdict {
	count := d.Options.Policy.AttemptCount(len(a.Attempts), len(b.Attempts))

	unknown := false
	for i := range quests {
		for _, m := range []compare.Mode{compare.Functional, compare.Performance} {
			var sampleA, sampleB []float64
			if m == compare.Functional {
				sampleA, sampleB = a.Failures(i), b.Failures(i)
			} else {
				sampleA, sampleB = a.Values(i), b.Values(i)
			}
			if len(sampleA) == 0 || len(sampleB) == 0 {
				continue
			}

			res := d.Options.Policy.Detailed(sampleA, sampleB, count, m)
			metrics.Comparisons.WithLabelValues(string(mode), string(res.Verdict)).Inc()
			d.Log.Debugf("Compared %s of quest %d between %s and %s: %s", m, i, a.Change, b.Change, res)

			switch res.Verdict {
			case compare.Different:
				return compare.Different
			case compare.Unknown:
				unknown = true
			}
		}
	}
	if unknown {
		return compare.Unknown
	}
	return compare.Same
}

// explore compares every pair of adjacent changes. Differing pairs get their midpoint
// inserted, undecided pairs get more attempts on both sides while the attempt budget lasts.
// It reports whether any work was added and the newer change of every differing pair left
// unbisected because the budget ran out.
// Midpoints which cannot exist fail the job, other resolver errors are transient.
func (d *Driver) explore(ctx context.Context, j *Job, quests []quest.Quest, log logrus.FieldLogger) (bool, map[*ChangeState]bool, error) {
	increment := max(1, d.Options.AttemptIncrement)
	initial := max(1, d.Options.InitialAttempts)
	attempts := j.Attempts()

	changes := make([]*ChangeState, 0, len(j.Changes)+1)
	refined := make(map[*ChangeState]bool)
	exhausted := make(map[*ChangeState]bool)
	work := false

	for i, cur := range j.Changes {
		if i == 0 {
			changes = append(changes, cur)
			continue
		}
		prev := j.Changes[i-1]

		switch d.compareChanges(prev, cur, len(quests), j.Mode) {
		case compare.Different:
			mid, ok, err := change.Midpoint(ctx, d.Resolver, prev.Change, cur.Change)
			switch {
			case errors.Is(err, change.ErrNonLinear):
				log.Infof("Cannot bisect between %s and %s further - %v", prev.Change, cur.Change, err)
			case change.IsUnresolvable(err):
				return false, nil, err
			case err != nil:
				return false, nil, quest.Transient(err)
			case !ok:
				// Adjacent, the newer change is the culprit
			case attempts+initial > d.Options.AttemptBudget:
				log.Debugf("Attempt budget exhausted, leaving %s and %s unbisected", prev.Change, cur.Change)
				exhausted[cur] = true
			default:
				log.Infof("Found difference between %s and %s, testing %s", prev.Change, cur.Change, mid)
				mc := &ChangeState{Change: mid}
				addAttempts(mc, initial)
				changes = append(changes, mc)
				attempts += initial
				work = true
			}
		case compare.Unknown:
			needed := 0
			for _, c := range []*ChangeState{prev, cur} {
				if !refined[c] {
					needed += increment
				}
			}
			if attempts+needed > d.Options.AttemptBudget {
				log.Debugf("Attempt budget exhausted, leaving %s and %s undecided", prev.Change, cur.Change)
				break
			}
			for _, c := range []*ChangeState{prev, cur} {
				if !refined[c] {
					addAttempts(c, increment)
					refined[c] = true
				}
			}
			attempts += needed
			log.Debugf("Undecided between %s and %s, adding attempts", prev.Change, cur.Change)
			work = true
		}
		changes = append(changes, cur)
	}

	j.Changes = changes
	return work, exhausted, nil
}

// finish completes j once no pair needs further work. Every differing pair left is a culprit,
// unless it could not be bisected for lack of budget, which leaves the job inconclusive.
// Performance jobs whose endpoints produced no values fail instead.
func (d *Driver) finish(ctx context.Context, j *Job, quests []quest.Quest, exhausted map[*ChangeState]bool, log logrus.FieldLogger) error {
	if j.Mode == compare.Performance && len(j.Changes) > 0 {
		last := len(quests) - 1
		for _, c := range []*ChangeState{j.Changes[0], j.Changes[len(j.Changes)-1]} {
			if len(c.Values(last)) == 0 {
				j.fail(Failure{
					Change: c.Change.String(),
					Quest:  quests[last].Kind(),
					Cause:  "no values were produced, the metric may not exist for this benchmark",
				}, d.now())
				log.Errorf("Job failed - no values for %s", c.Change)
				return nil
			}
		}
	}

	var culprits []Culprit
	inconclusive := false
	for i := 1; i < len(j.Changes); i++ {
		prev, cur := j.Changes[i-1], j.Changes[i]
		switch d.compareChanges(prev, cur, len(quests), j.Mode) {
		case compare.Different:
			if exhausted[cur] {
				inconclusive = true
				continue
			}
			culprits = append(culprits, d.culprit(ctx, prev.Change, cur.Change, log))
		case compare.Unknown:
			inconclusive = true
		}
	}

	j.complete(culprits, inconclusive, d.now())
	log.Infof("Job completed with %d culprits (inconclusive: %t)", len(culprits), inconclusive)
	return nil
}

// culprit describes cur, which differs from prev. Failing to look up commit details only
// leaves them out.
func (d *Driver) culprit(ctx context.Context, prev, cur change.Change, log logrus.FieldLogger) Culprit {
	c := Culprit{Change: cur, Previous: prev}
	if d.Resolver == nil {
		return c
	}
	info, err := d.Resolver.CommitInfo(ctx, cur.Commit.Repository, cur.Commit.GitHash)
	if err != nil {
		log.Warnf("Failed to get details of culprit %s - %v", cur, err)
		return c
	}
	c.Info = &info
	c.MergedParent = change.MergedParent(info)
	if c.MergedParent != "" {
		log.Infof("Culprit %s is a merge commit. Merged parent: %s", cur, c.MergedParent)
	}
	return c
}

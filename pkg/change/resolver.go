package change

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNonLinear is returned when two changes do not lie on one line of history,
	// for example because they belong to different repositories or carry different patches.
	ErrNonLinear = errors.New("changes are not on a linear history")

	// ErrNotAncestor is returned by resolvers when the low commit cannot be reached from the high commit.
	ErrNotAncestor = errors.New("commit is not an ancestor")

	// ErrUnknownRepository is returned by resolvers for repositories they do not know.
	ErrUnknownRepository = errors.New("unknown repository")

	// ErrUnknownRevision is returned by resolvers for revisions which name no commit of the repository.
	ErrUnknownRevision = errors.New("unknown revision")
)

// IsUnresolvable reports whether err means the history asked about does not exist.
// Asking again will not help.
func IsUnresolvable(err error) bool {
	return errors.IsAny(err, ErrNonLinear, ErrNotAncestor, ErrUnknownRepository, ErrUnknownRevision)
}

// CommitInfo describes a single commit.
type CommitInfo struct {
	GitHash string    `json:"gitHash"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Parents []string  `json:"parents,omitempty"`
}

// A Resolver answers questions about the history of repositories.
type Resolver interface {
	// CommitRange returns the commits strictly between low and high on the first-parent
	// history of high, ordered from oldest to newest.
	CommitRange(ctx context.Context, repository, low, high string) ([]string, error)

	// CommitInfo returns the details of a single commit.
	CommitInfo(ctx context.Context, repository, commit string) (CommitInfo, error)
}

// Resolve returns c with its revision replaced by the full hash of the commit it names.
func Resolve(ctx context.Context, r Resolver, c Change) (Change, error) {
	info, err := r.CommitInfo(ctx, c.Commit.Repository, c.Commit.GitHash)
	if err != nil {
		return Change{}, errors.WithHint(errors.Wrapf(err, "failed to resolve %s", c),
			"Use a branch, a tag or a commit hash of a configured repository.")
	}
	c.Commit.GitHash = info.GitHash
	return c, nil
}

// Midpoint returns the change halfway between a and b.
// The returned boolean is false if a and b are adjacent and there is nothing left to bisect.
// Changes with differing repositories or patches result in [ErrNonLinear].
func Midpoint(ctx context.Context, r Resolver, a, b Change) (Change, bool, error) {
	if a.Commit.Repository != b.Commit.Repository {
		return Change{}, false, errors.Wrapf(ErrNonLinear, "%s and %s are in different repositories", a, b)
	}
	if !samePatches(a.Patches, b.Patches) {
		return Change{}, false, errors.Wrapf(ErrNonLinear, "%s and %s carry different patches", a, b)
	}
	if a.Commit.GitHash == b.Commit.GitHash {
		return Change{}, false, nil
	}

	commits, err := r.CommitRange(ctx, a.Commit.Repository, a.Commit.GitHash, b.Commit.GitHash)
	if err != nil {
		return Change{}, false, errors.Wrapf(err, "failed to get commits between %s and %s", a, b)
	}
	if len(commits) == 0 {
		return Change{}, false, nil
	}

	return New(a.Commit.Repository, commits[len(commits)/2], a.Patches...), true, nil
}

// MergedParent returns the parent of a merge commit which was merged into the first-parent
// history, or an empty string if info is not a two-parent merge commit.
func MergedParent(info CommitInfo) string {
	if len(info.Parents) != 2 {
		return ""
	}
	return info.Parents[1]
}

func samePatches(a, b []Patch) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

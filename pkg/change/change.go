/*
Package change describes what a bisection tests: a base commit of a repository with zero or
more patches applied on top of it.

Changes are plain values. Two changes are equal if their base commits and patches are
equal, and [Change.ID] yields the same identifier for equal changes.
*/
package change

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// A Commit identifies one revision of a repository.
type Commit struct {
	Repository string `json:"repository" yaml:"repository" validate:"required"`
	GitHash    string `json:"gitHash" yaml:"gitHash" validate:"required"`
}

func (c Commit) String() string {
	return fmt.Sprintf("%s@%s", c.Repository, shortHash(c.GitHash))
}

// A Patch is a code review revision applied on top of a commit.
type Patch struct {
	Server   string `json:"server" yaml:"server" validate:"required"`
	Change   string `json:"change" yaml:"change" validate:"required"`
	Revision string `json:"revision" yaml:"revision" validate:"required"`
}

func (p Patch) String() string {
	return fmt.Sprintf("%s/c/%s/%s", strings.TrimSuffix(p.Server, "/"), p.Change, p.Revision)
}

// A Change is a commit with an optional list of patches overlaid.
type Change struct {
	Commit  Commit  `json:"commit"`
	Patches []Patch `json:"patches,omitempty"`
}

// New returns the change of the given commit with the passed patches applied.
func New(repository, gitHash string, patches ...Patch) Change {
	return Change{
		Commit:  Commit{Repository: repository, GitHash: gitHash},
		Patches: patches,
	}
}

// ID returns a stable identifier of the change which is equal for structurally equal changes.
func (c Change) ID() string {
	var b strings.Builder
	b.WriteString(c.Commit.Repository)
	b.WriteByte('@')
	b.WriteString(c.Commit.GitHash)
	for _, p := range c.Patches {
		b.WriteByte('+')
		b.WriteString(p.String())
	}
	return digest.FromString(b.String()).Encoded()[:16]
}

// Equal reports whether c and other are structurally equal.
func (c Change) Equal(other Change) bool {
	return c.Commit == other.Commit && samePatches(c.Patches, other.Patches)
}

func (c Change) String() string {
	s := c.Commit.String()
	for _, p := range c.Patches {
		s += " + " + p.String()
	}
	return s
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

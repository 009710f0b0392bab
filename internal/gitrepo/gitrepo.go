/*
Package gitrepo resolves commit ranges and commit details in local git repositories.

Every repository known to a [Resolver] is registered under the name jobs use for it. Ranges
follow the first-parent history of the newer commit, so merged branches count as one commit.
*/
package gitrepo

import (
	"context"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
)

// MaxRange is the maximum number of commits walked when resolving a range.
const MaxRange = 1 << 16

// ErrUnknownRepository is returned for repositories which were not registered.
var ErrUnknownRepository = change.ErrUnknownRepository

// Config locates a repository.
type Config struct {
	URL  string `yaml:"url"`                     // Cloned into Path if Path does not exist yet
	Path string `yaml:"path" validate:"required"` // Local clone
}

// Resolver is a [change.Resolver] over local clones.
type Resolver struct {
	mu    sync.RWMutex
	repos map[string]*git.Repository
	paths map[string]string

	log logrus.FieldLogger
}

// New returns a resolver without any repositories.
func New(log logrus.FieldLogger) *Resolver {
	if log == nil {
		// Mute logger
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	return &Resolver{
		repos: make(map[string]*git.Repository),
		paths: make(map[string]string),
		log:   log,
	}
}

// Add registers repo under name.
func (r *Resolver) Add(name string, repo *git.Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[name] = repo
}

// Open registers the clone at cfg.Path under name, cloning cfg.URL first if it does not exist.
func (r *Resolver) Open(ctx context.Context, name string, cfg Config) error {
	var (
		repo *git.Repository
		err  error
	)
	if _, statErr := os.Stat(cfg.Path); errors.Is(statErr, os.ErrNotExist) {
		if cfg.URL == "" {
			return errors.Newf("repository %s does not exist at %s and has no url to clone", name, cfg.Path)
		}
		r.log.Infof("Cloning repository %s from %s...", name, cfg.URL)
		repo, err = git.PlainCloneContext(ctx, cfg.Path, false, &git.CloneOptions{URL: cfg.URL})
	} else {
		repo, err = git.PlainOpen(cfg.Path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to open repository %s at %s", name, cfg.Path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.repos[name] = repo
	r.paths[name] = cfg.Path
	return nil
}

// Path returns the location of the local clone of the repository, if it was opened from disk.
func (r *Resolver) Path(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[name]
	return p, ok
}

// Repository returns the repository registered under name.
func (r *Resolver) Repository(name string) (*git.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRepository, "%s", name)
	}
	return repo, nil
}

// Fetch updates all repositories from their origin remote. Failures are logged and the
// remaining repositories are still fetched. The first failure is returned.
func (r *Resolver) Fetch(ctx context.Context) error {
	r.mu.RLock()
	repos := make(map[string]*git.Repository, len(r.repos))
	for name, repo := range r.repos {
		repos[name] = repo
	}
	r.mu.RUnlock()

	var first error
	for name, repo := range repos {
		err := repo.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
		if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) || errors.Is(err, git.ErrRemoteNotFound) {
			continue
		}
		r.log.WithField("repository", name).Warnf("Failed to fetch repository - %v", err)
		if first == nil {
			first = errors.Wrapf(err, "failed to fetch repository %s", name)
		}
	}
	return first
}

func (r *Resolver) CommitRange(ctx context.Context, repository, low, high string) ([]string, error) {
	repo, err := r.Repository(repository)
	if err != nil {
		return nil, err
	}
	lowHash, err := resolve(repo, low)
	if err != nil {
		return nil, err
	}
	c, err := commit(repo, high)
	if err != nil {
		return nil, err
	}

	if c.Hash == lowHash {
		return nil, nil
	}

	var between []string
	for range MaxRange {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.NumParents() == 0 {
			return nil, errors.Wrapf(change.ErrNotAncestor, "%s is not on the first-parent history of %s", low, high)
		}
		parent, err := c.Parent(0)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read parent of %s", c.Hash)
		}
		c = parent
		if c.Hash == lowHash {
			slices.Reverse(between)
			return between, nil
		}
		between = append(between, c.Hash.String())
	}
	return nil, errors.Newf("more than %d commits between %s and %s", MaxRange, low, high)
}

func (r *Resolver) CommitInfo(_ context.Context, repository, hash string) (change.CommitInfo, error) {
	repo, err := r.Repository(repository)
	if err != nil {
		return change.CommitInfo{}, err
	}
	c, err := commit(repo, hash)
	if err != nil {
		return change.CommitInfo{}, err
	}

	info := change.CommitInfo{
		GitHash: c.Hash.String(),
		Subject: strings.TrimSpace(strings.SplitN(c.Message, "\n", 2)[0]),
		Message: c.Message,
		Author:  c.Author.Name + " <" + c.Author.Email + ">",
		Date:    c.Author.When,
	}
	for _, p := range c.ParentHashes {
		info.Parents = append(info.Parents, p.String())
	}
	return info, nil
}

func resolve(repo *git.Repository, rev string) (plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if errors.IsAny(err, plumbing.ErrReferenceNotFound, plumbing.ErrObjectNotFound, object.ErrUnsupportedObject) {
		return plumbing.ZeroHash, errors.Mark(errors.Wrapf(err, "failed to resolve %s", rev), change.ErrUnknownRevision)
	} else if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "failed to resolve %s", rev)
	}
	return *hash, nil
}

func commit(repo *git.Repository, rev string) (*object.Commit, error) {
	hash, err := resolve(repo, rev)
	if err != nil {
		return nil, err
	}
	c, err := repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, errors.Mark(errors.Wrapf(err, "failed to read commit %s", rev), change.ErrUnknownRevision)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read commit %s", rev)
	}
	return c, nil
}

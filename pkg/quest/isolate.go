package quest

import (
	"context"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/change"
	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/opencontainers/go-digest"
)

// IsolateOptions configure an [IsolateCache].
type IsolateOptions struct {
	TTL         time.Duration `yaml:"ttl" default:"48h"`        // How long built artifacts are reused
	InflightTTL time.Duration `yaml:"inflightTtl" default:"6h"` // How long a requested build is shared with other attempts
}

// An IsolateCache remembers built artifacts by builder, change and target.
type IsolateCache struct {
	kv   store.KV
	opts IsolateOptions
}

// NewIsolateCache returns a cache storing its entries in kv.
func NewIsolateCache(kv store.KV, opts IsolateOptions) *IsolateCache {
	return &IsolateCache{kv: kv, opts: opts}
}

// IsolateKey returns the content address of an artifact.
func IsolateKey(builder string, c change.Change, target string) string {
	return digest.FromString(builder + "\x00" + c.ID() + "\x00" + target).Encoded()
}

// Get returns the artifact reference of the given build if it is cached.
func (i *IsolateCache) Get(ctx context.Context, builder string, c change.Change, target string) (string, bool, error) {
	return i.get(ctx, "isolate:"+IsolateKey(builder, c, target))
}

// Put caches the artifact reference of the given build.
func (i *IsolateCache) Put(ctx context.Context, builder string, c change.Change, target, artifactRef string) error {
	return i.kv.Set(ctx, "isolate:"+IsolateKey(builder, c, target), []byte(artifactRef), i.opts.TTL)
}

// Inflight returns the id of a build of the given change which was requested but has not finished yet.
func (i *IsolateCache) Inflight(ctx context.Context, builder string, c change.Change, target string) (string, bool, error) {
	return i.get(ctx, "build:"+IsolateKey(builder, c, target))
}

// SetInflight records buildID as the pending build of the given change.
func (i *IsolateCache) SetInflight(ctx context.Context, builder string, c change.Change, target, buildID string) error {
	return i.kv.Set(ctx, "build:"+IsolateKey(builder, c, target), []byte(buildID), i.opts.InflightTTL)
}

// ClearInflight forgets the pending build of the given change.
func (i *IsolateCache) ClearInflight(ctx context.Context, builder string, c change.Change, target string) error {
	return i.kv.Delete(ctx, "build:"+IsolateKey(builder, c, target))
}

func (i *IsolateCache) get(ctx context.Context, key string) (string, bool, error) {
	value, err := i.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

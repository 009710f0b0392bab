// Package badgerkv implements [store.KV] on an embedded badger database.
package badgerkv

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Config configures the badger database.
type Config struct {
	Path       string `yaml:"path" validate:"required_without=InMemory"` // Directory of the database files
	InMemory   bool   `yaml:"inMemory"`                                  // Keep all data in memory, for tests
	SyncWrites bool   `yaml:"syncWrites"`
}

// KV is a [store.KV] on badger.
type KV struct {
	db *badger.DB
}

// Open opens the database configured by cfg. Badger logs to log if it is not nil.
func Open(cfg Config, log logrus.FieldLogger) (*KV, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for a persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if log != nil {
		opts = opts.WithLogger(log)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger database")
	}
	return &KV{db: db}, nil
}

// Close closes the database.
func (k *KV) Close() error {
	return k.db.Close()
}

func (k *KV) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Wrapf(store.ErrNotFound, "key %s", key)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get key %s", key)
	}
	return value, nil
}

func (k *KV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, value, ttl))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to set key %s", key)
	}
	return nil
}

func (k *KV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	for {
		var n int64
		err := k.db.Update(func(txn *badger.Txn) error {
			e := entry(key, nil, ttl)

			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				value, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if n, err = strconv.ParseInt(string(value), 10, 64); err != nil {
					return errors.Wrapf(err, "value of key %s is not an integer", key)
				}
				// The ttl only applies to new keys
				e.ExpiresAt = item.ExpiresAt()
			}

			n++
			e.Value = []byte(strconv.FormatInt(n, 10))
			return txn.SetEntry(e)
		})
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		} else if err != nil {
			return 0, errors.Wrapf(err, "failed to increment key %s", key)
		}
		return n, nil
	}
}

func (k *KV) Delete(_ context.Context, key string) error {
	err := k.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to delete key %s", key)
	}
	return nil
}

func entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

/*
Package store defines the persistence contracts used by the bisection engine.

[Documents] is a document store with last-write-wins semantics, grouped by kind. Every
document carries one optional secondary index value which [Documents.List] can filter on.
[KV] is a key-value store whose entries expire after a time to live.

[Memory] implements [Documents] in memory and [Memory.KV] returns its [KV] view. It is meant
for tests and single process use.
*/
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when a document or key does not exist or has expired.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted marks documents whose data cannot be decoded.
	ErrCorrupted = errors.New("corrupted document")
)

// A Document is a stored JSON value.
type Document struct {
	ID      string
	Index   string // Optional secondary index value, e.g. a status
	Data    []byte
	Updated time.Time
}

// ListOptions restrict and page the results of [Documents.List].
type ListOptions struct {
	Index  string // Only return documents with this index value if not empty
	Cursor string // Only return documents with an id greater than the cursor
	Limit  int    // The maximum number of documents returned, or 0 for no limit
}

// A Page is one batch of listed documents ordered by id.
// Next is the cursor of the following page, or empty if there are no more documents.
type Page struct {
	Documents []Document
	Next      string
}

// Documents stores documents of different kinds.
type Documents interface {
	Get(ctx context.Context, kind, id string) (Document, error)
	Put(ctx context.Context, kind string, doc Document) error
	Delete(ctx context.Context, kind, id string) error
	List(ctx context.Context, kind string, opts ListOptions) (Page, error)
}

// KV is a key-value store with expiring entries.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl of 0 never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr atomically increments the integer stored at key, starting from 0 if it does not exist.
	// The ttl is applied when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// GetJSON reads the document kind/id and decodes it into v.
func GetJSON(ctx context.Context, d Documents, kind, id string, v any) error {
	doc, err := d.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to decode %s document %s", kind, id), ErrCorrupted)
	}
	return nil
}

// PutJSON encodes v and writes it as the document kind/id with the given index value.
func PutJSON(ctx context.Context, d Documents, kind, id, index string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s document %s", kind, id)
	}
	return d.Put(ctx, kind, Document{ID: id, Index: index, Data: data, Updated: time.Now()})
}

// ErrStop ends the iteration of [Each] without an error when returned by its callback.
var ErrStop = errors.New("stop iteration")

// Each calls fn for every document of kind matching opts, fetching pages of the given size.
// Iteration stops at the first error returned by fn.
func Each(ctx context.Context, d Documents, kind string, opts ListOptions, fn func(Document) error) error {
	for {
		page, err := d.List(ctx, kind, opts)
		if err != nil {
			return err
		}
		for _, doc := range page.Documents {
			if err := fn(doc); errors.Is(err, ErrStop) {
				return nil
			} else if err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		opts.Cursor = page.Next
	}
}

package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-memory implementation of [Documents] and [KV].
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]Document
	kv   map[string]memoryEntry

	Now func() time.Time // The clock used for expiry, time.Now if nil
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]Document),
		kv:   make(map[string]memoryEntry),
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Get(_ context.Context, kind, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[kind][id]
	if !ok {
		return Document{}, errors.Wrapf(ErrNotFound, "%s document %s", kind, id)
	}
	doc.Data = append([]byte(nil), doc.Data...)
	return doc, nil
}

func (m *Memory) Put(_ context.Context, kind string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.docs[kind] == nil {
		m.docs[kind] = make(map[string]Document)
	}
	doc.Data = append([]byte(nil), doc.Data...)
	m.docs[kind][doc.ID] = doc
	return nil
}

func (m *Memory) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs[kind], id)
	return nil
}

func (m *Memory) List(_ context.Context, kind string, opts ListOptions) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.docs[kind]))
	for id, doc := range m.docs[kind] {
		if id <= opts.Cursor || (opts.Index != "" && doc.Index != opts.Index) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var page Page
	for _, id := range ids {
		if opts.Limit > 0 && len(page.Documents) == opts.Limit {
			page.Next = page.Documents[len(page.Documents)-1].ID
			break
		}
		doc := m.docs[kind][id]
		doc.Data = append([]byte(nil), doc.Data...)
		page.Documents = append(page.Documents, doc)
	}
	return page, nil
}

func (m *Memory) lookup(key string) (memoryEntry, bool) {
	e, ok := m.kv[key]
	if ok && !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.kv, key)
		return memoryEntry{}, false
	}
	return e, ok
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) GetKey(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "key %s", key)
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = memoryEntry{value: append([]byte(nil), value...), expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		e = memoryEntry{value: []byte("0"), expires: m.expiry(ttl)}
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "value of key %s is not an integer", key)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.kv[key] = e
	return n, nil
}

func (m *Memory) DeleteKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.kv, key)
	return nil
}

// KV returns a view of m satisfying [KV].
func (m *Memory) KV() KV {
	return memoryKV{m}
}

type memoryKV struct {
	m *Memory
}

func (k memoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	return k.m.GetKey(ctx, key)
}

func (k memoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return k.m.Set(ctx, key, value, ttl)
}

func (k memoryKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return k.m.Incr(ctx, key, ttl)
}

func (k memoryKV) Delete(ctx context.Context, key string) error {
	return k.m.DeleteKey(ctx, key)
}

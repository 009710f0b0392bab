// Package sqlstore stores documents in a SQL database. SQLite and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"
)

// A Dialect describes the differences between the supported databases.
type Dialect struct {
	Name   string // Name used in configuration
	Driver string // database/sql driver name

	schema      []string
	placeholder func(n int) string
}

var (
	SQLite = Dialect{
		Name:   "sqlite",
		Driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				kind TEXT NOT NULL,
				id TEXT NOT NULL,
				idx TEXT NOT NULL DEFAULT '',
				data BLOB NOT NULL,
				updated INTEGER NOT NULL,
				PRIMARY KEY (kind, id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_kind_idx ON documents(kind, idx, id)`,
		},
		placeholder: func(int) string { return "?" },
	}

	Postgres = Dialect{
		Name:   "postgres",
		Driver: "pgx",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				kind TEXT NOT NULL,
				id TEXT NOT NULL,
				idx TEXT NOT NULL DEFAULT '',
				data BYTEA NOT NULL,
				updated BIGINT NOT NULL,
				PRIMARY KEY (kind, id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_kind_idx ON documents(kind, idx, id)`,
		},
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// DialectByName returns the dialect with the given name.
func DialectByName(name string) (Dialect, error) {
	for _, d := range []Dialect{SQLite, Postgres} {
		if d.Name == name {
			return d, nil
		}
	}
	return Dialect{}, errors.WithHint(errors.Newf("unknown database %q", name), "supported databases are sqlite and postgres")
}

// rebind replaces the ? placeholders of query with those of the dialect.
func (d Dialect) rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is a [store.Documents] on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database of the named dialect at dsn and creates the schema.
func Open(ctx context.Context, dialect, dsn string) (*Store, error) {
	d, err := DialectByName(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", d.Name)
	}

	if d.Name == SQLite.Name {
		// Writes are serialized by SQLite, and every connection to :memory: is a new database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s, err := New(ctx, db, d)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New returns a store on db, creating the schema if it does not exist.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	for _, stmt := range dialect.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrapf(err, "failed to create %s schema", dialect.Name)
		}
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, kind, id string) (store.Document, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT idx, data, updated FROM documents WHERE kind = ? AND id = ?`), kind, id)

	doc := store.Document{ID: id}
	var updated int64
	err := row.Scan(&doc.Index, &doc.Data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, errors.Wrapf(store.ErrNotFound, "%s document %s", kind, id)
	} else if err != nil {
		return store.Document{}, errors.Wrapf(err, "failed to get %s document %s", kind, id)
	}
	doc.Updated = time.Unix(0, updated).UTC()
	return doc, nil
}

func (s *Store) Put(ctx context.Context, kind string, doc store.Document) error {
	updated := doc.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	if doc.Data == nil {
		doc.Data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO documents (kind, id, idx, data, updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			idx = excluded.idx,
			data = excluded.data,
			updated = excluded.updated
	`), kind, doc.ID, doc.Index, doc.Data, updated.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "failed to put %s document %s", kind, doc.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind, id string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM documents WHERE kind = ? AND id = ?`), kind, id); err != nil {
		return errors.Wrapf(err, "failed to delete %s document %s", kind, id)
	}
	return nil
}

func (s *Store) List(ctx context.Context, kind string, opts store.ListOptions) (store.Page, error) {
	query := `SELECT id, idx, data, updated FROM documents WHERE kind = ? AND id > ?`
	args := []any{kind, opts.Cursor}

	if opts.Index != "" {
		query += " AND idx = ?"
		args = append(args, opts.Index)
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		// One more row tells whether there is a next page
		query += " LIMIT ?"
		args = append(args, opts.Limit+1)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return store.Page{}, errors.Wrapf(err, "failed to list %s documents", kind)
	}
	defer rows.Close()

	var page store.Page
	for rows.Next() {
		var doc store.Document
		var updated int64
		if err := rows.Scan(&doc.ID, &doc.Index, &doc.Data, &updated); err != nil {
			return store.Page{}, errors.Wrapf(err, "failed to scan %s document", kind)
		}
		doc.Updated = time.Unix(0, updated).UTC()
		page.Documents = append(page.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, errors.Wrapf(err, "failed to list %s documents", kind)
	}

	if opts.Limit > 0 && len(page.Documents) > opts.Limit {
		page.Documents = page.Documents[:opts.Limit]
		page.Next = page.Documents[opts.Limit-1].ID
	}
	return page, nil
}

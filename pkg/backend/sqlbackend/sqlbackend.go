// Package sqlbackend is a database/sql implementation of backend.Backend.
// It runs on SQLite (modernc.org/sqlite) and Postgres (lib/pq).
package sqlbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/dashkernel/pkg/backend"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectFor maps a database/sql driver name to a Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "pgx":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("sqlbackend: unsupported driver %q", driver)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS dash_entities (
	workspace TEXT NOT NULL,
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	attributes TEXT NOT NULL DEFAULT '{}',
	links TEXT NOT NULL DEFAULT '[]',
	version INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (workspace, kind, id)
);
CREATE TABLE IF NOT EXISTS dash_permissions (
	workspace TEXT NOT NULL,
	name TEXT NOT NULL,
	granted BOOLEAN NOT NULL,
	PRIMARY KEY (workspace, name)
);
`

// Backend stores workspace entities in two tables.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ backend.Backend = (*Backend)(nil)

// New wraps an open database. Call Init before first use.
func New(db *sql.DB, dialect Dialect) *Backend {
	return &Backend{db: db, dialect: dialect, now: time.Now}
}

// Open opens the database for driver/dsn and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Backend, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// In-memory databases are per connection.
		db.SetMaxOpenConns(1)
	}
	b := New(db, dialect)
	if err := b.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Init creates the tables if they do not exist.
func (b *Backend) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlbackend: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (b *Backend) Close() error { return b.db.Close() }

// rebind rewrites ? placeholders to $n for Postgres.
func (b *Backend) rebind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const selectEntity = `SELECT kind, id, title, attributes, links, version, updated_at FROM dash_entities`

// GetEntity implements backend.Backend.
func (b *Backend) GetEntity(ctx context.Context, workspace string, ref backend.Ref) (*backend.Entity, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(selectEntity+` WHERE workspace = ? AND kind = ? AND id = ?`),
		workspace, ref.Kind, ref.ID)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.NotFound(ref)
		}
		return nil, fmt.Errorf("sqlbackend: get %s: %w", ref, err)
	}
	return e, nil
}

// ListEntities implements backend.Backend.
func (b *Backend) ListEntities(ctx context.Context, workspace, kind string, opts backend.ListOptions) ([]*backend.Entity, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(selectEntity+` WHERE workspace = ? AND kind = ? ORDER BY id`),
		workspace, kind)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: list %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*backend.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlbackend: scan %s: %w", kind, err)
		}
		if opts.LinkedTo != nil && !hasLink(e, *opts.LinkedTo) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateEntity implements backend.Backend.
func (b *Backend) CreateEntity(ctx context.Context, workspace string, e *backend.Entity) (*backend.Entity, error) {
	if e == nil || e.Ref.Kind == "" || e.Ref.ID == "" {
		return nil, fmt.Errorf("%w: ref is required", backend.ErrInvalid)
	}
	if _, err := b.GetEntity(ctx, workspace, e.Ref); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", backend.ErrConflict, e.Ref)
	} else if !errors.Is(err, backend.ErrNotFound) {
		return nil, err
	}

	attrs, links, err := encodeColumns(e)
	if err != nil {
		return nil, err
	}
	created := *e
	created.Version = 1
	created.UpdatedAt = b.now().UTC()

	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO dash_entities
		(workspace, kind, id, title, attributes, links, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		workspace, e.Ref.Kind, e.Ref.ID, e.Title, attrs, links, created.Version,
		created.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: create %s: %w", e.Ref, err)
	}
	return &created, nil
}

// UpdateEntity implements backend.Backend with optimistic versioning.
func (b *Backend) UpdateEntity(ctx context.Context, workspace string, e *backend.Entity) (*backend.Entity, error) {
	attrs, links, err := encodeColumns(e)
	if err != nil {
		return nil, err
	}
	updated := *e
	updated.Version = e.Version + 1
	updated.UpdatedAt = b.now().UTC()

	res, err := b.db.ExecContext(ctx, b.rebind(`UPDATE dash_entities
		SET title = ?, attributes = ?, links = ?, version = ?, updated_at = ?
		WHERE workspace = ? AND kind = ? AND id = ? AND version = ?`),
		e.Title, attrs, links, updated.Version, updated.UpdatedAt.Format(time.RFC3339Nano),
		workspace, e.Ref.Kind, e.Ref.ID, e.Version)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: update %s: %w", e.Ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: update %s: rows affected: %w", e.Ref, err)
	}
	if n == 0 {
		if _, gerr := b.GetEntity(ctx, workspace, e.Ref); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s is not at version %d", backend.ErrConflict, e.Ref, e.Version)
	}
	return &updated, nil
}

// DeleteEntity implements backend.Backend.
func (b *Backend) DeleteEntity(ctx context.Context, workspace string, ref backend.Ref) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM dash_entities WHERE workspace = ? AND kind = ? AND id = ?`),
		workspace, ref.Kind, ref.ID)
	if err != nil {
		return fmt.Errorf("sqlbackend: delete %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlbackend: delete %s: rows affected: %w", ref, err)
	}
	if n == 0 {
		return backend.NotFound(ref)
	}
	return nil
}

// GetCurrentUserPermissions implements backend.Backend. A workspace without
// any permission rows is forbidden.
func (b *Backend) GetCurrentUserPermissions(ctx context.Context, workspace string) (backend.Permissions, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT name, granted FROM dash_permissions WHERE workspace = ?`), workspace)
	if err != nil {
		return nil, fmt.Errorf("sqlbackend: permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	perms := make(backend.Permissions)
	for rows.Next() {
		var (
			name    string
			granted bool
		)
		if err := rows.Scan(&name, &granted); err != nil {
			return nil, fmt.Errorf("sqlbackend: permissions: %w", err)
		}
		perms[name] = granted
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("%w: no access to workspace %s", backend.ErrForbidden, workspace)
	}
	return perms, nil
}

// SetPermission upserts one permission row.
func (b *Backend) SetPermission(ctx context.Context, workspace, name string, granted bool) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM dash_permissions WHERE workspace = ? AND name = ?`), workspace, name)
	if err != nil {
		return fmt.Errorf("sqlbackend: set permission: %w", err)
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO dash_permissions (workspace, name, granted) VALUES (?, ?, ?)`),
		workspace, name, granted)
	if err != nil {
		return fmt.Errorf("sqlbackend: set permission: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*backend.Entity, error) {
	var (
		e         backend.Entity
		attrs     string
		links     string
		updatedAt string
	)
	if err := s.Scan(&e.Ref.Kind, &e.Ref.ID, &e.Title, &attrs, &links, &e.Version, &updatedAt); err != nil {
		return nil, err
	}
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if links != "" && links != "[]" {
		if err := json.Unmarshal([]byte(links), &e.Links); err != nil {
			return nil, fmt.Errorf("decode links: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}

func encodeColumns(e *backend.Entity) (string, string, error) {
	attrs := []byte("{}")
	if len(e.Attributes) > 0 {
		var err error
		if attrs, err = json.Marshal(e.Attributes); err != nil {
			return "", "", fmt.Errorf("%w: attributes: %v", backend.ErrInvalid, err)
		}
	}
	links := []byte("[]")
	if len(e.Links) > 0 {
		var err error
		if links, err = json.Marshal(e.Links); err != nil {
			return "", "", fmt.Errorf("%w: links: %v", backend.ErrInvalid, err)
		}
	}
	return string(attrs), string(links), nil
}

func hasLink(e *backend.Entity, ref backend.Ref) bool {
	for _, l := range e.Links {
		if l == ref {
			return true
		}
	}
	return false
}

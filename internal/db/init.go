// Package db opens the credentials database and creates its schema.
//
// Two backends are supported: SQLite (the default, a single file inside the
// encrypted storage volume) and PostgreSQL (a shared server). Queries are
// written once with "?" placeholders and rebound per dialect.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL backend.
type Dialect int

const (
	// SQLite is the embedded modernc.org/sqlite backend.
	SQLite Dialect = iota
	// Postgres is the lib/pq backend.
	Postgres
)

// ParseDialect maps a configuration value to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return SQLite, fmt.Errorf("unknown database driver %q", name)
	}
}

// DriverName returns the database/sql driver name.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// String implements fmt.Stringer.
func (d Dialect) String() string { return d.DriverName() }

// Rebind converts "?" placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLiteDSN returns a modernc.org/sqlite DSN for path with foreign keys
// enforced. Use ":memory:" for a private in-memory database.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS CREDENTIALS (
    id {{pk}},
    caption TEXT NOT NULL DEFAULT '',
    username TEXT NOT NULL DEFAULT '',
    password TEXT,
    flags INTEGER NOT NULL DEFAULT 0,
    type INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS METHODS (
    id {{pk}},
    method TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS MECHANISMS (
    id {{pk}},
    mechanism TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS TOKENS (
    id {{pk}},
    token TEXT NOT NULL,
    app_context TEXT NOT NULL DEFAULT '',
    UNIQUE (token, app_context)
);

CREATE TABLE IF NOT EXISTS REALMS (
    identity_id INTEGER NOT NULL REFERENCES CREDENTIALS(id) ON DELETE CASCADE,
    realm TEXT NOT NULL,
    PRIMARY KEY (identity_id, realm)
);

CREATE TABLE IF NOT EXISTS ACL (
    id {{pk}},
    identity_id INTEGER NOT NULL REFERENCES CREDENTIALS(id) ON DELETE CASCADE,
    method_id INTEGER REFERENCES METHODS(id) ON DELETE CASCADE,
    mechanism_id INTEGER REFERENCES MECHANISMS(id) ON DELETE CASCADE,
    token_id INTEGER REFERENCES TOKENS(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS acl_identity_idx ON ACL (identity_id);

CREATE TABLE IF NOT EXISTS OWNER (
    identity_id INTEGER NOT NULL REFERENCES CREDENTIALS(id) ON DELETE CASCADE,
    token_id INTEGER NOT NULL REFERENCES TOKENS(id) ON DELETE CASCADE,
    PRIMARY KEY (identity_id, token_id)
);

CREATE TABLE IF NOT EXISTS REFS (
    identity_id INTEGER NOT NULL REFERENCES CREDENTIALS(id) ON DELETE CASCADE,
    token_id INTEGER NOT NULL REFERENCES TOKENS(id) ON DELETE CASCADE,
    ref TEXT NOT NULL,
    PRIMARY KEY (identity_id, token_id, ref)
);

CREATE TABLE IF NOT EXISTS STORE (
    identity_id INTEGER NOT NULL REFERENCES CREDENTIALS(id) ON DELETE CASCADE,
    method_id INTEGER NOT NULL REFERENCES METHODS(id) ON DELETE CASCADE,
    data_key TEXT NOT NULL,
    data_value {{blob}},
    PRIMARY KEY (identity_id, method_id, data_key)
);

CREATE TABLE IF NOT EXISTS SCHEMA_VERSION (
    version INTEGER NOT NULL
);
`

// Schema returns the DDL for d.
func Schema(d Dialect) string {
	r := strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{blob}}", "BLOB",
	)
	if d == Postgres {
		r = strings.NewReplacer(
			"{{pk}}", "SERIAL PRIMARY KEY",
			"{{blob}}", "BYTEA",
		)
	}
	return r.Replace(schema)
}

// Open connects to the database, verifies the connection and creates the
// schema if needed. SQLite handles are limited to one connection so that
// transactions are never interleaved.
func Open(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}

	if _, err := db.ExecContext(ctx, Schema(d)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, d.Rebind(
		`INSERT INTO SCHEMA_VERSION (version) SELECT ? WHERE NOT EXISTS (SELECT 1 FROM SCHEMA_VERSION)`,
	), schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return db, nil
}

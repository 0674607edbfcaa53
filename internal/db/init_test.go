package db_test

import (
	"context"
	"strings"
	"testing"

	"github.com/atinyakov/GophSSO/internal/db"
)

func TestOpen_PostgresErrorPaths(t *testing.T) {
	cases := []struct {
		name       string
		dsn        string
		wantSubstr string
	}{
		{"invalid DSN", "some=random", "ping postgres"},
		{"empty DSN", "", "ping postgres"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.Open(context.Background(), db.Postgres, tc.dsn)
			if err == nil {
				t.Fatalf("Open(postgres, %q) did not return error", tc.dsn)
			}
			if !strings.Contains(err.Error(), tc.wantSubstr) {
				t.Errorf("Open(postgres, %q) error = %q; want substring %q", tc.dsn, err.Error(), tc.wantSubstr)
			}
		})
	}
}

func TestOpen_SQLiteCreatesSchema(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := db.Open(ctx, db.SQLite, db.SQLiteDSN(":memory:"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"CREDENTIALS", "METHODS", "MECHANISMS", "TOKENS", "REALMS", "ACL", "OWNER", "REFS", "STORE"} {
		var n int
		if err := sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}

	var version int
	if err := sqlDB.QueryRowContext(ctx, "SELECT version FROM SCHEMA_VERSION").Scan(&version); err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 {
		t.Errorf("schema version = %d; want 1", version)
	}

	var fk int
	if err := sqlDB.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d; want 1", fk)
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT id FROM T WHERE a = ? AND b = ?"
	if got := db.SQLite.Rebind(q); got != q {
		t.Errorf("SQLite.Rebind changed query: %q", got)
	}
	want := "SELECT id FROM T WHERE a = $1 AND b = $2"
	if got := db.Postgres.Rebind(q); got != want {
		t.Errorf("Postgres.Rebind = %q; want %q", got, want)
	}
}

func TestParseDialect(t *testing.T) {
	cases := map[string]db.Dialect{"": db.SQLite, "sqlite": db.SQLite, "Postgres": db.Postgres, "pq": db.Postgres}
	for in, want := range cases {
		got, err := db.ParseDialect(in)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := db.ParseDialect("oracle"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestSchema_PostgresTypes(t *testing.T) {
	s := db.Schema(db.Postgres)
	if !strings.Contains(s, "SERIAL PRIMARY KEY") || !strings.Contains(s, "BYTEA") {
		t.Error("postgres schema should use SERIAL and BYTEA")
	}
	if strings.Contains(s, "AUTOINCREMENT") {
		t.Error("postgres schema must not use AUTOINCREMENT")
	}
}

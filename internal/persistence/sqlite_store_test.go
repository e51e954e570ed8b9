package persistence

import (
	"database/sql"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	runPersistenceContract(t, func(t *testing.T) Persistence {
		return newTestSQLiteStore(t).Persistence()
	})
}

func TestSQLiteStore_SchemaIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := NewSQLStore(db, DialectSQLite); err != nil {
		t.Fatalf("first NewSQLStore failed: %v", err)
	}
	if _, err := NewSQLStore(db, DialectSQLite); err != nil {
		t.Fatalf("second NewSQLStore failed: %v", err)
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := DialectSQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind should be identity, got %q", got)
	}
	want := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got := DialectPostgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind: want %q, got %q", want, got)
	}
}

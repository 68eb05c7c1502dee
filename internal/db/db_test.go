package db

import (
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `SELECT * FROM batches WHERE brand_owner_key=? OR current_holder_key=? LIMIT ?`
	if got := Rebind(DriverSQLite, q); got != q {
		t.Fatalf("sqlite query changed: %s", got)
	}
	want := `SELECT * FROM batches WHERE brand_owner_key=$1 OR current_holder_key=$2 LIMIT $3`
	if got := Rebind(DriverPgx, q); got != want {
		t.Fatalf("rebind mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if Path(dir) != filepath.Join(dir, ".custodyline", "cache.db") {
		t.Fatalf("unexpected path %s", Path(dir))
	}
	if _, err := Open(Config{Workspace: dir, Driver: DriverPgx}); err == nil {
		t.Fatalf("expected dsn error for pgx")
	}
	if _, err := Open(Config{Workspace: dir, Driver: "mysql"}); err == nil {
		t.Fatalf("expected driver error")
	}
}

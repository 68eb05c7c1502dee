package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"

	workspaceDir = ".custodyline"
	cacheDBName  = "cache.db"
	ledgerDBName = "ledger.db"
)

type Config struct {
	Workspace string
	// Driver is "sqlite" (default) or "pgx".
	Driver string
	// DSN is required for pgx and ignored for sqlite.
	DSN string
}

func workspacePath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := workspacePath(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the cache database: SQLite inside the workspace, or Postgres through pgx.
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, err
		}
		return OpenSQLite(Path(cfg.Workspace))
	case DriverPgx:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("cache dsn is required for driver %s", DriverPgx)
		}
		return sql.Open(DriverPgx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a SQLite file with foreign keys on. A single connection keeps
// writers from tripping over SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the cache db path for the workspace.
func Path(workspace string) string {
	return filepath.Join(workspacePath(workspace), cacheDBName)
}

// LedgerPath returns the embedded ledger db path for the workspace.
func LedgerPath(workspace string) string {
	return filepath.Join(workspacePath(workspace), ledgerDBName)
}

// Rebind rewrites ? placeholders to $n for drivers that need it.
func Rebind(driver, query string) string {
	if driver != DriverPgx || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

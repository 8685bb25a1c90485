package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the storage package.
	Error = errs.Class("storage")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errs.Class("not found")
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps the database connection with performance optimizations.
// The pool serializes access to the underlying connections, so a single DB
// is shared by all requests.
type DB struct {
	*sql.DB
	driver string
}

// Open opens the photo database and creates its tables when absent.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, Error.New("unsupported driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	// Performance optimizations
	sqlDB.SetMaxOpenConns(25)           // Limit concurrent connections
	sqlDB.SetMaxIdleConns(10)           // Keep idle connections ready
	sqlDB.SetConnMaxLifetime(time.Hour) // Recycle connections

	db := &DB{DB: sqlDB, driver: driver}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), sqlDB.Close())
	}
	if err := db.createTables(ctx); err != nil {
		return nil, errs.Combine(err, sqlDB.Close())
	}
	return db, nil
}

// sqliteDSN enables WAL and a busy timeout on every pooled connection.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func (db *DB) createTables(ctx context.Context) error {
	schema := []string{`
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		pass_hash TEXT NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL,
		date TEXT NOT NULL,
		orig_filename TEXT NOT NULL,
		storage_path TEXT NOT NULL UNIQUE,
		thumb_path TEXT NOT NULL DEFAULT '',
		meta_path TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_photos_date ON photos(date)`,
		`CREATE INDEX IF NOT EXISTS idx_photos_scope_owner ON photos(scope, owner)`,
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

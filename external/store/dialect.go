package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultBusyTimeout = 5 * time.Second
	pingTimeout        = 10 * time.Second
)

type Options struct {
	Driver string
	// Path is the sqlite database file.
	Path string
	// DSN is the postgres connection string.
	DSN         string
	BusyTimeout time.Duration
	// Synchronous is the sqlite commit flush mode. NORMAL trades the last
	// commits on power loss for throughput under WAL.
	Synchronous string
}

type dialect struct {
	name         string
	numbered     bool
	lastInsertID bool
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, lastInsertID: true}
	postgresDialect = dialect{name: DriverPostgres, numbered: true}
)

// rebind rewrites ? placeholders to $1..$n for engines that need it.
// Queries in this module never contain a literal '?' inside a string.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// Open connects to the configured engine, applies pragmas and creates the
// schema if it does not exist yet.
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch opts.Driver {
	case "", DriverSQLite:
		db, err = openSQLite(opts)
		d = sqliteDialect
	case DriverPostgres:
		db, err = sql.Open("pgx", opts.DSN)
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigration(ctx, db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return newDB(db, d), nil
}

func openSQLite(opts Options) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return sql.Open("sqlite3", sqliteDSN(opts))
}

func sqliteDSN(opts Options) string {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	sync := strings.ToUpper(strings.TrimSpace(opts.Synchronous))
	if sync == "" {
		sync = "NORMAL"
	}
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", sync)
	return "file:" + opts.Path + "?" + q.Encode()
}

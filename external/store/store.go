// Package store is the storage engine adapter. Reads go straight to the
// database; every mutation is funnelled through a single-worker write queue
// so the engine never sees two writers at once.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/foxseedlab/botfleet/internal/writequeue"
)

var (
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	ErrEmptyRow          = errors.New("row has no columns")
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Row maps column names to values for Insert and Update.
type Row map[string]any

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

type RowScanner[T any] func(Scanner) (T, error)

type DB struct {
	sql     *sql.DB
	dialect dialect
	writes  *writequeue.Queue
}

func newDB(db *sql.DB, d dialect) *DB {
	return &DB{
		sql:     db,
		dialect: d,
		writes:  writequeue.New(writequeue.WithWorkers(1)),
	}
}

// Close drains pending writes before closing the connection pool.
func (db *DB) Close() error {
	db.writes.Close()
	return db.sql.Close()
}

func (db *DB) Driver() string {
	return db.dialect.name
}

func (db *DB) WriteStats() writequeue.Stats {
	return db.writes.Stats()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Get returns the first row of query. The boolean is false when there is no row.
func Get[T any](ctx context.Context, db *DB, scan RowScanner[T], query string, args ...any) (T, bool, error) {
	var zero T
	row := db.sql.QueryRowContext(ctx, db.dialect.rebind(query), args...)
	v, err := scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return v, true, nil
}

func Query[T any](ctx context.Context, db *DB, scan RowScanner[T], query string, args ...any) ([]T, error) {
	rows, err := db.sql.QueryContext(ctx, db.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

// Insert writes row into table and returns the last insert id where the
// driver reports one, 0 otherwise.
func (db *DB) Insert(ctx context.Context, table string, row Row) (int64, error) {
	return writequeue.Do(ctx, db.writes, func(ctx context.Context) (int64, error) {
		return insert(ctx, db.sql, db.dialect, table, row)
	})
}

func (db *DB) Update(ctx context.Context, table string, row Row, where string, args ...any) (int64, error) {
	return writequeue.Do(ctx, db.writes, func(ctx context.Context) (int64, error) {
		return update(ctx, db.sql, db.dialect, table, row, where, args...)
	})
}

func (db *DB) Delete(ctx context.Context, table, where string, args ...any) (int64, error) {
	return writequeue.Do(ctx, db.writes, func(ctx context.Context) (int64, error) {
		return remove(ctx, db.sql, db.dialect, table, where, args...)
	})
}

// Exec runs a raw mutating statement and returns the affected row count.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return writequeue.Do(ctx, db.writes, func(ctx context.Context) (int64, error) {
		return exec(ctx, db.sql, db.dialect, query, args...)
	})
}

// Tx is the handle given to a Transaction body. Its methods run directly on
// the open transaction; they must not be called after the body returns.
type Tx struct {
	tx      *sql.Tx
	dialect dialect
}

func (tx *Tx) Insert(ctx context.Context, table string, row Row) (int64, error) {
	return insert(ctx, tx.tx, tx.dialect, table, row)
}

func (tx *Tx) Update(ctx context.Context, table string, row Row, where string, args ...any) (int64, error) {
	return update(ctx, tx.tx, tx.dialect, table, row, where, args...)
}

func (tx *Tx) Delete(ctx context.Context, table, where string, args ...any) (int64, error) {
	return remove(ctx, tx.tx, tx.dialect, table, where, args...)
}

func (tx *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return exec(ctx, tx.tx, tx.dialect, query, args...)
}

func TxGet[T any](ctx context.Context, tx *Tx, scan RowScanner[T], query string, args ...any) (T, bool, error) {
	var zero T
	v, err := scan(tx.tx.QueryRowContext(ctx, tx.dialect.rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return v, true, nil
}

// Transaction runs body between BEGIN and COMMIT as a single write task.
// Any error or panic from body rolls the transaction back and is returned.
func Transaction[T any](ctx context.Context, db *DB, body func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	return writequeue.Do(ctx, db.writes, func(ctx context.Context) (v T, err error) {
		sqlTx, err := db.sql.BeginTx(ctx, nil)
		if err != nil {
			return v, fmt.Errorf("begin transaction: %w", err)
		}
		committed := false
		defer func() {
			if committed {
				return
			}
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}()

		v, err = body(ctx, &Tx{tx: sqlTx, dialect: db.dialect})
		if err != nil {
			var zero T
			return zero, err
		}
		if err := sqlTx.Commit(); err != nil {
			var zero T
			return zero, fmt.Errorf("commit transaction: %w", err)
		}
		committed = true
		return v, nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, e execer, d dialect, table string, row Row) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	cols, vals, err := splitRow(row)
	if err != nil {
		return 0, err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	res, err := e.ExecContext(ctx, d.rebind(query), vals...)
	if err != nil {
		return 0, err
	}
	if !d.lastInsertID {
		return 0, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil
	}
	return id, nil
}

func update(ctx context.Context, e execer, d dialect, table string, row Row, where string, args ...any) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	cols, vals, err := splitRow(row)
	if err != nil {
		return 0, err
	}
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		sets = append(sets, c+" = ?")
	}
	query := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(sets, ", "))
	if where != "" {
		query += " WHERE " + where
	}
	return affected(e.ExecContext(ctx, d.rebind(query), append(vals, args...)...))
}

func remove(ctx context.Context, e execer, d dialect, table, where string, args ...any) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	query := "DELETE FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	return affected(e.ExecContext(ctx, d.rebind(query), args...))
}

func exec(ctx context.Context, e execer, d dialect, query string, args ...any) (int64, error) {
	return affected(e.ExecContext(ctx, d.rebind(query), args...))
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func splitRow(row Row) ([]string, []any, error) {
	if len(row) == 0 {
		return nil, nil, ErrEmptyRow
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		if err := checkIdentifier(c); err != nil {
			return nil, nil, err
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	vals := make([]any, 0, len(cols))
	for _, c := range cols {
		vals = append(vals, row[c])
	}
	return cols, vals, nil
}

func checkIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

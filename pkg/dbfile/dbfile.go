// Package dbfile answers questions about the file behind a SQLite connection.
package dbfile

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/block/sqlitebck/pkg/errclass"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MainFile returns the canonical path of the main database file, or "" when
// the main database is in memory or a temporary database.
func MainFile(ctx context.Context, q Querier) (string, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return "", fmt.Errorf("error listing databases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq        int
			name, file string
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "", fmt.Errorf("error scanning database list: %w", err)
		}
		if name != "main" {
			continue
		}
		if file == "" {
			return "", nil
		}

		return Canonical(file), nil
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error listing databases: %w", err)
	}

	return "", nil
}

// Canonical makes path absolute and resolves symlinks where it can, so two
// spellings of one file compare equal.
func Canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}

	return abs
}

// PathFromDSN extracts the file path from a SQLite DSN such as
// "file:/tmp/a.db?mode=ro" or "/tmp/a.db". In-memory DSNs give "".
func PathFromDSN(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}

	return path
}

// SharedMemoryName returns the name of the shared-cache in-memory database a
// DSN opens, such as "x" for "file:x?mode=memory&cache=shared" or ":memory:"
// for "file::memory:?cache=shared". Every connection to the same name sees the
// same database. Private in-memory and file DSNs give "".
func SharedMemoryName(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		return ""
	}
	name, query, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	values, err := url.ParseQuery(query)
	if err != nil || values.Get("cache") != "shared" {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if name == ":memory:" || (name != "" && values.Get("mode") == "memory") {
		return name
	}

	return ""
}

// PageSize returns the page size in bytes.
func PageSize(ctx context.Context, q Querier) (int, error) {
	var size int
	if err := q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&size); err != nil {
		return 0, fmt.Errorf("error reading page size: %w", err)
	}

	return size, nil
}

// PageCount returns the number of pages in the main database.
func PageCount(ctx context.Context, q Querier) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&count); err != nil {
		return 0, fmt.Errorf("error reading page count: %w", err)
	}

	return count, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns ErrPermanentIO listing
// the problems found, if any.
func IntegrityCheck(ctx context.Context, q Querier) error {
	rows, err := q.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("error running integrity check: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("error scanning integrity check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error running integrity check: %w", err)
	}
	if len(problems) > 0 {
		return errclass.ErrPermanentIO.WithMessagef("integrity check failed: %s", strings.Join(problems, "; "))
	}

	return nil
}

// VerifyFile opens path read-only through driverName and runs IntegrityCheck.
func VerifyFile(ctx context.Context, driverName, path string) error {
	db, err := sql.Open(driverName, "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("error opening %q for verification: %w", path, err)
	}
	defer db.Close()

	if err := IntegrityCheck(ctx, db); err != nil {
		return fmt.Errorf("error verifying %q: %w", path, err)
	}

	return nil
}

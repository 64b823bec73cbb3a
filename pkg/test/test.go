package test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// DB is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func TempPath(t *testing.T, name string) string {
	t.Helper()

	return filepath.Join(t.TempDir(), name)
}

func RunSQL(t *testing.T, db DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}

// Seed creates tables t0..t<tables-1>, each holding rows rows.
func Seed(t *testing.T, db DB, tables, rows int) {
	t.Helper()
	for i := range tables {
		name := fmt.Sprintf("t%d", i)
		RunSQL(t, db,
			fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, name TEXT NOT NULL, value REAL, payload BLOB)", name),
			fmt.Sprintf(`WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < %d)
				INSERT INTO %s (id, name, value, payload) SELECT n, printf('row-%%d', n), n * 1.5, randomblob(64) FROM seq`, rows, name),
		)
	}
}

// Dump renders every row of every user table, keyed by table name and ordered
// by rowid, so two databases can be compared with require.Equal.
func Dump(t *testing.T, db DB) map[string][]string {
	t.Helper()
	ctx := context.Background()
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	require.NoError(t, err)
	var tables []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		tables = append(tables, name)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	dump := make(map[string][]string, len(tables))
	for _, table := range tables {
		dump[table] = dumpTable(t, db, table)
	}

	return dump
}

func dumpTable(t *testing.T, db DB, table string) []string {
	t.Helper()
	rows, err := db.QueryContext(context.Background(), fmt.Sprintf("SELECT * FROM %q ORDER BY rowid", table))
	require.NoError(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)
	out := []string{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = fmt.Sprintf("%v", v)
		}
		out = append(out, strings.Join(fields, "|"))
	}
	require.NoError(t, rows.Err())

	return out
}

func GetCount(t *testing.T, db DB, table string, where string) int {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(), fmt.Sprintf("SELECT COUNT(*) FROM %q WHERE %s", table, where)).Scan(&count)
	require.NoError(t, err)

	return count
}

func TableExists(t *testing.T, db DB, table string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count)
	require.NoError(t, err)

	return count > 0
}

func DeleteFile(t *testing.T, filePath string) {
	t.Helper()
	if _, err := os.Stat(filePath); err == nil {
		err = os.Remove(filePath)
		require.NoError(t, err)
	} else if !os.IsNotExist(err) {
		t.Error("Error checking file existence", err)
	}
}

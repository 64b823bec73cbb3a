// Package sqlite adapts github.com/mattn/go-sqlite3 connections to the backup
// engine. The driver exposes SQLite's online backup API between two live
// connections, so any pair of file or in-memory databases can be copied.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/block/sqlitebck/pkg/dbfile"
	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/block/sqlitebck/pkg/handle"
	"github.com/mattn/go-sqlite3"
)

const (
	// Engine is the handle engine name of this adapter.
	Engine = "sqlite3"
	// DriverName is the database/sql driver go-sqlite3 registers.
	DriverName = "sqlite3"
)

func init() {
	handle.RegisterEngine(Engine)
}

// Conn is a backup handle bound to a single go-sqlite3 connection.
type Conn struct {
	db       *sql.DB // nil when the connection is borrowed
	conn     *sql.Conn
	path     string
	identity string
	closed   atomic.Bool
}

// Open opens dsn on a dedicated single-connection pool. Closing the returned
// Conn closes the pool.
func Open(ctx context.Context, dsn string) (*Conn, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening %q: %w", dsn, err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()

		return nil, errclass.ErrPermanentIO.WithMessagef("connecting to %q", dsn).Wrap(err)
	}
	c, err := WrapDSN(ctx, conn, dsn)
	if err != nil {
		_ = conn.Close()
		_ = db.Close()

		return nil, err
	}
	c.db = db

	return c, nil
}

// Wrap borrows conn, which must come from the go-sqlite3 driver. The caller
// keeps ownership: Close on the returned Conn does not close conn.
// A connection to a shared-cache in-memory database must be wrapped with
// WrapDSN instead.
func Wrap(ctx context.Context, conn *sql.Conn) (*Conn, error) {
	return WrapDSN(ctx, conn, "")
}

// WrapDSN is Wrap for a connection opened from dsn. Connections opened from
// shared-cache in-memory DSNs of the same name get the same identity.
func WrapDSN(ctx context.Context, conn *sql.Conn, dsn string) (*Conn, error) {
	if conn == nil {
		return nil, errclass.ErrTypeMismatch.WithMessage("nil connection")
	}
	c := &Conn{conn: conn}
	path, err := dbfile.MainFile(ctx, conn)
	if err != nil {
		return nil, classify(err)
	}
	c.path = path
	c.identity = path
	if name := dbfile.SharedMemoryName(dsn); path == "" && name != "" {
		c.identity = "memory:shared:" + name
	}
	err = c.raw(func(sc *sqlite3.SQLiteConn) error {
		// Other in-memory databases are private to their driver connection.
		if c.identity == "" {
			c.identity = fmt.Sprintf("memory:%p", sc)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// SQL returns the underlying connection for running statements.
func (c *Conn) SQL() *sql.Conn {
	return c.conn
}

// Path returns the main database file, or "" for an in-memory database.
func (c *Conn) Path() string {
	return c.path
}

// Close marks the handle closed and releases the connection if Open created it.
func (c *Conn) Close() error {
	if c.closed.Swap(true) || c.db == nil {
		return nil
	}

	return errors.Join(c.conn.Close(), c.db.Close())
}

func (c *Conn) Engine() string   { return Engine }
func (c *Conn) Identity() string { return c.identity }
func (c *Conn) Open() bool       { return !c.closed.Load() }

// Backup copies the main database of src into the main database of c. The
// backup is finished when fn returns, however it returns.
func (c *Conn) Backup(_ context.Context, src handle.Handle, fn func(handle.Stepper) error) error {
	s, ok := src.(*Conn)
	if !ok {
		return errclass.ErrTypeMismatch.WithMessagef("source %T is not a %s connection", src, Engine)
	}

	return c.raw(func(dst *sqlite3.SQLiteConn) error {
		return s.raw(func(srcConn *sqlite3.SQLiteConn) (err error) {
			b, err := dst.Backup("main", srcConn, "main")
			if err != nil {
				return classify(err)
			}
			defer func() {
				if finishErr := b.Finish(); finishErr != nil {
					err = errors.Join(err, classify(finishErr))
				}
			}()

			return fn(&stepper{b: b})
		})
	})
}

func (c *Conn) raw(fn func(*sqlite3.SQLiteConn) error) error {
	err := c.conn.Raw(func(dc any) error {
		sc, ok := dc.(*sqlite3.SQLiteConn)
		if !ok {
			return errclass.ErrTypeMismatch.WithMessagef("driver connection %T is not go-sqlite3", dc)
		}

		return fn(sc)
	})
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return errclass.ErrPermanentIO.WithMessage("connection closed").Wrap(err)
	}

	return err
}

// stepper turns go-sqlite3's silent BUSY/LOCKED handling back into errors.
// The driver reports a locked step as "not done, no error", so a step that
// moved neither counter is treated as contention.
type stepper struct {
	b *sqlite3.SQLiteBackup
}

func (s *stepper) Step(pages int) (bool, error) {
	remaining, total := s.b.Remaining(), s.b.PageCount()
	done, err := s.b.Step(pages)
	if err != nil {
		return false, classify(err)
	}
	if done {
		return true, nil
	}
	if pages < 0 || s.b.PageCount() == 0 || (s.b.Remaining() == remaining && s.b.PageCount() == total) {
		return false, errclass.ErrTransientLock.WithMessage("database is locked")
	}

	return false, nil
}

func (s *stepper) Remaining() int { return s.b.Remaining() }
func (s *stepper) PageCount() int { return s.b.PageCount() }

func classify(err error) error {
	var be *errclass.BackupError
	if errors.As(err, &be) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return errclass.FromResultCode(int(se.Code), err)
	}

	return errclass.ErrSessionAborted.Wrap(err)
}

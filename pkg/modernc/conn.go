// Package modernc adapts modernc.org/sqlite connections to the backup engine.
//
// The driver is cgo-free but its backup API always pairs the live connection
// with a second connection it opens itself from a file URI. A copy therefore
// needs at least one side on disk: a file destination is pushed to with
// NewBackup, a file source is pulled from with NewRestore. Two in-memory
// databases cannot be copied with this engine.
package modernc

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync/atomic"

	"github.com/block/sqlitebck/pkg/dbfile"
	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/block/sqlitebck/pkg/handle"
	"modernc.org/sqlite"
)

const (
	// Engine is the handle engine name of this adapter.
	Engine = "modernc"
	// DriverName is the database/sql driver modernc.org/sqlite registers.
	DriverName = "sqlite"
)

func init() {
	handle.RegisterEngine(Engine)
}

// backuper is implemented by the driver's unexported connection type.
type backuper interface {
	NewBackup(dstURI string) (*sqlite.Backup, error)
	NewRestore(srcURI string) (*sqlite.Backup, error)
}

// Conn is a backup handle bound to a single modernc.org/sqlite connection.
type Conn struct {
	db       *sql.DB // nil when the connection is borrowed
	conn     *sql.Conn
	path     string // main database file, "" when in memory
	identity string
	closed   atomic.Bool
}

// Open opens dsn, for example "file:app.db?_pragma=busy_timeout(5000)", on a
// dedicated single-connection pool. Closing the returned Conn closes the pool.
func Open(ctx context.Context, dsn string) (*Conn, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()

		return nil, classify(fmt.Errorf("error connecting to %q: %w", dsn, err))
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

// Wrap borrows conn, which must come from the modernc.org/sqlite driver. The
// caller keeps ownership: Close on the returned Conn does not close conn.
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
	err = c.raw(func(dc backuper) error {
		if c.identity == "" {
			c.identity = fmt.Sprintf("memory:%p", dc)
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

// Backup copies src into c. When c is a file the live source connection is
// backed up into it; otherwise c restores from the source file. The backup
// is finished when fn returns, however it returns.
func (c *Conn) Backup(_ context.Context, src handle.Handle, fn func(handle.Stepper) error) error {
	s, ok := src.(*Conn)
	if !ok {
		return errclass.ErrTypeMismatch.WithMessagef("source %T is not a %s connection", src, Engine)
	}

	var (
		live   *Conn
		remote string
		open   func(backuper, string) (*sqlite.Backup, error)
	)
	switch {
	case c.path != "":
		live, remote, open = s, c.path, backuper.NewBackup
	case s.path != "":
		live, remote, open = c, s.path, backuper.NewRestore
	default:
		return errclass.ErrSessionAborted.WithMessage("modernc cannot copy between two in-memory databases")
	}

	return live.raw(func(dc backuper) (err error) {
		b, err := open(dc, fileURI(remote))
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
}

func (c *Conn) raw(fn func(backuper) error) error {
	err := c.conn.Raw(func(dc any) error {
		b, ok := dc.(backuper)
		if !ok {
			return errclass.ErrTypeMismatch.WithMessagef("driver connection %T is not modernc.org/sqlite", dc)
		}

		return fn(b)
	})
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return errclass.ErrPermanentIO.WithMessage("connection closed").Wrap(err)
	}

	return err
}

func fileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

type stepper struct {
	b *sqlite.Backup
}

func (s *stepper) Step(pages int) (bool, error) {
	n := int32(math.MaxInt32)
	if pages < 0 {
		n = -1
	} else if pages < math.MaxInt32 {
		n = int32(pages)
	}
	more, err := s.b.Step(n)
	if err != nil {
		return false, classify(err)
	}

	return !more, nil
}

func classify(err error) error {
	var be *errclass.BackupError
	if errors.As(err, &be) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return errclass.FromResultCode(se.Code(), err)
	}

	return errclass.ErrSessionAborted.Wrap(err)
}

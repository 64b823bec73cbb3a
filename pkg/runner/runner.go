// Package runner contains the logic for running journaled sqlitebck copy jobs.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/block/sqlitebck/pkg/handle"
	"github.com/block/sqlitebck/pkg/modernc"
	"github.com/block/sqlitebck/pkg/sqlite"
)

type Status int64

const (
	Started Status = iota
	Running
	Failed
	Errored
	Succeeded
)

var statusInterval = 30 * time.Second

func (s Status) String() string {
	switch s {
	case Started:
		return "started"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Errored:
		return "errored"
	case Succeeded:
		return "succeeded"
	}

	return "unknown"
}

// statusFor maps the outcome of a run to the status it is journaled with.
// Errors that would repeat identically on the next try mark the run errored,
// everything else can be retried with the same run id.
func statusFor(err error) Status {
	switch {
	case err == nil:
		return Succeeded
	case errors.Is(err, errclass.ErrSameHandle),
		errors.Is(err, errclass.ErrTypeMismatch),
		errors.Is(err, errclass.ErrInvalidArgument):
		return Errored
	}

	return Failed
}

// conn is what the runner needs from an engine adapter.
type conn interface {
	handle.Handle
	SQL() *sql.Conn
	Path() string
	Close() error
}

func openConn(ctx context.Context, engine, dsn string) (conn, error) {
	switch engine {
	case sqlite.Engine:
		c, err := sqlite.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}

		return c, nil
	case modernc.Engine:
		c, err := modernc.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}

		return c, nil
	}

	return nil, errclass.ErrInvalidArgument.WithMessagef("unknown engine %q", engine)
}

// driverName is the database/sql driver behind engine.
func driverName(engine string) string {
	if engine == modernc.Engine {
		return modernc.DriverName
	}

	return sqlite.DriverName
}

type Runner interface {
	Prepare() string
	Run(ctx context.Context) error
	Close() error
}

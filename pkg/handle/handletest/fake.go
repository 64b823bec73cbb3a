// Package handletest provides an in-process fake engine for exercising backup
// code without a real database.
package handletest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/block/sqlitebck/pkg/handle"
)

// Engine is the engine name the fake registers.
const Engine = "fake"

func init() {
	handle.RegisterEngine(Engine)
}

// DB is a fake database made of string pages.
type DB struct {
	Name string

	// OpenErr is returned by Backup before the session starts.
	OpenErr error
	// StepErr is consulted before every step of a session reading from this DB.
	// call counts from 1; returning nil lets the step run.
	StepErr func(call int) error
	// AfterStep runs after every step of a session reading from this DB.
	AfterStep func(call int)
	// FinishErr is returned when a session writing into this DB is finished.
	FinishErr error

	mu        sync.Mutex
	pages     []string
	closed    atomic.Bool
	backups   int
	finishes  int
	stepSizes []int
}

// New returns an open fake database holding pages.
func New(name string, pages ...string) *DB {
	return &DB{Name: name, pages: append([]string(nil), pages...)}
}

func (d *DB) Engine() string   { return Engine }
func (d *DB) Identity() string { return "fake:" + d.Name }
func (d *DB) Open() bool       { return !d.closed.Load() }

// Close marks the database closed.
func (d *DB) Close() {
	d.closed.Store(true)
}

// Pages returns a copy of the committed pages.
func (d *DB) Pages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.pages...)
}

// Backups is the number of sessions opened with this DB as destination.
func (d *DB) Backups() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.backups
}

// Finishes is the number of sessions finished with this DB as destination.
func (d *DB) Finishes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.finishes
}

// StepSizes lists the page counts requested from sessions reading this DB.
func (d *DB) StepSizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]int(nil), d.stepSizes...)
}

// Backup copies src into d. Pages become visible in d only when the session
// completed.
func (d *DB) Backup(_ context.Context, src handle.Handle, fn func(handle.Stepper) error) (err error) {
	s, ok := src.(*DB)
	if !ok {
		return errclass.ErrTypeMismatch.WithMessage("source is not a fake database")
	}
	d.mu.Lock()
	d.backups++
	d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}

	sess := &Session{src: s, snapshot: s.Pages()}
	defer func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.finishes++
		if sess.done {
			d.pages = sess.copied
		}
		if d.FinishErr != nil {
			err = errors.Join(err, d.FinishErr)
		}
	}()

	return fn(sess)
}

// Session is the fake engine session.
type Session struct {
	src      *DB
	snapshot []string
	copied   []string
	next     int
	calls    int
	done     bool
}

func (s *Session) Step(pages int) (bool, error) {
	s.calls++
	s.src.mu.Lock()
	s.src.stepSizes = append(s.src.stepSizes, pages)
	s.src.mu.Unlock()
	if s.src.AfterStep != nil {
		defer s.src.AfterStep(s.calls)
	}
	if s.src.StepErr != nil {
		if err := s.src.StepErr(s.calls); err != nil {
			return false, err
		}
	}
	end := len(s.snapshot)
	if pages >= 0 && s.next+pages < end {
		end = s.next + pages
	}
	s.copied = append(s.copied, s.snapshot[s.next:end]...)
	s.next = end
	s.done = s.next >= len(s.snapshot)

	return s.done, nil
}

func (s *Session) Remaining() int { return len(s.snapshot) - s.next }
func (s *Session) PageCount() int { return len(s.snapshot) }

// Duck looks like a handle but, unless Kind is registered, belongs to no
// recognised engine.
type Duck struct {
	Name string
	Kind string
}

func (d *Duck) Engine() string {
	if d.Kind == "" {
		return "duck"
	}

	return d.Kind
}

func (d *Duck) Identity() string { return d.Name }
func (d *Duck) Open() bool       { return true }
func (d *Duck) Backup(context.Context, handle.Handle, func(handle.Stepper) error) error {
	return errors.New("duck cannot back up")
}

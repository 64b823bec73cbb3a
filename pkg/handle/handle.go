// Package handle defines the capability contract a database connection must meet
// to take part in an online backup, and validates a source/destination pair
// before any session resources are acquired.
package handle

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/block/sqlitebck/pkg/errclass"
)

// Handle is an open database connection owned by the caller.
type Handle interface {
	// Engine names the storage engine binding behind the handle.
	Engine() string
	// Identity names the underlying database. Handles with equal identities
	// alias the same database.
	Identity() string
	// Open reports whether the handle is still usable. It must not perform I/O.
	Open() bool
	// Backup opens an engine backup session copying src into the receiver and
	// runs fn with it. The session is finished before Backup returns, whatever
	// fn returned. Errors are classified with errclass.
	Backup(ctx context.Context, src Handle, fn func(Stepper) error) error
}

// Stepper is one engine-level backup session.
type Stepper interface {
	// Step copies up to pages pages, or everything left when pages is negative.
	// done is true once the destination holds a complete copy.
	Step(pages int) (done bool, err error)
}

// Progresser is implemented by steppers that can report how far they got.
// Values are only meaningful after the first successful step.
type Progresser interface {
	Remaining() int
	PageCount() int
}

var (
	enginesMu sync.RWMutex
	engines   = map[string]struct{}{}
)

// RegisterEngine marks name as a recognised engine. Adapters call it from init.
func RegisterEngine(name string) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = struct{}{}
}

// Registered reports whether name was registered with RegisterEngine.
func Registered(name string) bool {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	_, ok := engines[name]

	return ok
}

// Engines lists the registered engines in name order.
func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Validate checks that src and dst are open handles of the same recognised
// engine that do not alias each other. It performs no I/O.
func Validate(src, dst Handle) (Handle, Handle, error) {
	if err := check("source", src); err != nil {
		return nil, nil, err
	}
	if err := check("destination", dst); err != nil {
		return nil, nil, err
	}
	if src.Engine() != dst.Engine() {
		return nil, nil, errclass.ErrTypeMismatch.WithMessagef("source engine %q does not match destination engine %q", src.Engine(), dst.Engine())
	}
	if sameValue(src, dst) || src.Identity() == dst.Identity() {
		return nil, nil, errclass.ErrSameHandle.WithMessagef("source and destination both refer to %q", src.Identity())
	}

	return src, dst, nil
}

func check(role string, h Handle) error {
	if isNil(h) {
		return errclass.ErrTypeMismatch.WithMessagef("%s is not a database handle", role)
	}
	if !Registered(h.Engine()) {
		return errclass.ErrTypeMismatch.WithMessagef("%s engine %q is not a recognised database engine", role, h.Engine())
	}
	if !h.Open() {
		return errclass.ErrTypeMismatch.WithMessagef("%s handle is closed", role)
	}

	return nil
}

func sameValue(a, b Handle) bool {
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}

	return a == b
}

func isNil(h Handle) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}

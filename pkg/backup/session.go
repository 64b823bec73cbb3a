package backup

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateStepping
	StateRetrying
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStepping:
		return "stepping"
	case StateRetrying:
		return "retrying"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}

	return "unknown"
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is a snapshot of a running Session.
type Progress struct {
	SessionID string
	State     State
	// Remaining and PageCount are -1 when the engine cannot report them, and 0
	// before the first successful step.
	Remaining int
	PageCount int
	Steps     uint64
	Retries   uint64
}

// Result describes a finished Session.
type Result struct {
	SessionID string
	State     State
	PageCount int
	Steps     uint64
	Retries   uint64
	StartTime time.Time
	Duration  time.Duration
}

// Session is one page-transfer run bound to a single source/destination pair.
// It is created by Copier.Copy and never reused.
type Session struct {
	id        string
	batchSize int
	startTime time.Time

	state     atomic.Int32
	steps     atomic.Uint64
	retries   atomic.Uint64
	remaining atomic.Int64
	pageCount atomic.Int64
}

func newSession(batchSize int) *Session {
	s := &Session{
		id:        uuid.NewString(),
		batchSize: batchSize,
		startTime: time.Now(),
	}
	s.remaining.Store(-1)
	s.pageCount.Store(-1)

	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Progress returns a snapshot of the session counters.
func (s *Session) Progress() Progress {
	return Progress{
		SessionID: s.id,
		State:     s.State(),
		Remaining: int(s.remaining.Load()),
		PageCount: int(s.pageCount.Load()),
		Steps:     s.steps.Load(),
		Retries:   s.retries.Load(),
	}
}

func (s *Session) result() *Result {
	return &Result{
		SessionID: s.id,
		State:     s.State(),
		PageCount: int(s.pageCount.Load()),
		Steps:     s.steps.Load(),
		Retries:   s.retries.Load(),
		StartTime: s.startTime,
		Duration:  time.Since(s.startTime),
	}
}

package backup

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/block/sqlitebck/pkg/handle"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
)

// AllPages copies the whole database in a single engine step.
const AllPages = -1

// Config configures a Copier.
type Config struct {
	// BatchSize is the number of pages copied per step. AllPages (or 0)
	// copies everything in one step.
	BatchSize int
	// Retry governs steps that fail with transient lock contention.
	Retry RetryPolicy
	// Clock sleeps between retries. Defaults to the wall clock.
	Clock Clock
	// Logger receives debug output. Defaults to a logger that discards everything.
	Logger loggers.Advanced
	// OnProgress, if set, is called after every step attempt and on completion.
	OnProgress func(Progress)
}

// DefaultConfig copies all pages in one step and retries lock contention with
// DefaultRetryPolicy.
func DefaultConfig() *Config {
	return &Config{
		BatchSize: AllPages,
		Retry:     DefaultRetryPolicy(),
	}
}

// Copier runs backup sessions. It holds no per-copy state and may be shared.
type Copier struct {
	batchSize  int
	retry      RetryPolicy
	clock      Clock
	logger     loggers.Advanced
	onProgress func(Progress)
}

// NewCopier validates cfg and returns a Copier. A nil cfg means DefaultConfig.
func NewCopier(cfg *Config) (*Copier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = AllPages
	}
	if batchSize < AllPages {
		return nil, errclass.ErrInvalidArgument.WithMessagef("batch size %d: must be at least 1, or AllPages", cfg.BatchSize)
	}
	if cfg.Retry.MaxRetries < Unbounded {
		return nil, errclass.ErrInvalidArgument.WithMessagef("max retries %d: must be at least 0, or Unbounded", cfg.Retry.MaxRetries)
	}
	c := &Copier{
		batchSize:  batchSize,
		retry:      cfg.Retry,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		onProgress: cfg.OnProgress,
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		c.logger = discard
	}

	return c, nil
}

// Copy copies src into dst with the given batch size, waiting retryDelay
// between lock retries and giving up after DefaultMaxRetries of them.
func Copy(ctx context.Context, src, dst handle.Handle, batchSize int, retryDelay time.Duration) (*Result, error) {
	if retryDelay < 0 {
		return nil, errclass.ErrInvalidArgument.WithMessagef("retry delay %s: must not be negative", retryDelay)
	}
	c, err := NewCopier(&Config{
		BatchSize: batchSize,
		Retry:     ConstantBackoff(retryDelay, DefaultMaxRetries),
	})
	if err != nil {
		return nil, err
	}

	return c.Copy(ctx, src, dst)
}

// Copy validates the handles and copies the contents of src into dst. It
// blocks until the copy completed or failed; the engine session is finished
// on every path. The Result is nil only when validation failed.
func (c *Copier) Copy(ctx context.Context, src, dst handle.Handle) (*Result, error) {
	src, dst, err := handle.Validate(src, dst)
	if err != nil {
		return nil, err
	}

	s := newSession(c.batchSize)
	s.setState(StateOpening)
	c.logger.Debugf("backup session %s: opening source=%s destination=%s batch-size=%d", s.id, src.Identity(), dst.Identity(), c.batchSize)

	ran := false
	err = dst.Backup(ctx, src, func(st handle.Stepper) error {
		ran = true
		transferErr := c.transfer(ctx, s, src, dst, st)
		s.setState(StateFinalizing)

		return transferErr
	})
	if err == nil && !ran {
		err = errclass.ErrSessionAborted.WithMessagef("engine %s returned without running the session", dst.Engine())
	}
	if err != nil {
		s.setState(StateFailed)
		c.report(s)
		c.logger.Debugf("backup session %s: failed after %d steps: %v", s.id, s.steps.Load(), err)

		return s.result(), classify(err)
	}

	s.setState(StateCompleted)
	c.report(s)
	c.logger.Debugf("backup session %s: completed pages=%d steps=%d retries=%d", s.id, s.pageCount.Load(), s.steps.Load(), s.retries.Load())

	return s.result(), nil
}

// transfer is the step loop. The engine session keeps the cursor, so a retried
// step continues where the failed one left off.
func (c *Copier) transfer(ctx context.Context, s *Session, src, dst handle.Handle, st handle.Stepper) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return errclass.ErrSessionAborted.WithMessage("copy cancelled").Wrap(err)
		}
		if !src.Open() || !dst.Open() {
			return errclass.ErrPermanentIO.WithMessage("handle closed mid-session")
		}

		s.setState(StateStepping)
		done, err := st.Step(c.batchSize)
		s.steps.Add(1)
		observe(s, st)
		if err == nil {
			attempt = 0
			c.report(s)
			if done {
				return nil
			}

			continue
		}
		if !errclass.Retryable(err) {
			c.report(s)

			return err
		}

		attempt++
		if c.retry.exhausted(attempt) {
			return errclass.ErrRetriesExhausted.WithMessagef("gave up after %d consecutive retries", attempt-1).Wrap(err)
		}
		s.retries.Add(1)
		s.setState(StateRetrying)
		c.report(s)
		delay := c.retry.delay(attempt)
		c.logger.Debugf("backup session %s: step %d hit lock contention, retry %d in %s: %v", s.id, s.steps.Load(), attempt, delay, err)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return errclass.ErrSessionAborted.WithMessage("copy cancelled while waiting for a lock").Wrap(err)
		}
	}
}

func observe(s *Session, st handle.Stepper) {
	p, ok := st.(handle.Progresser)
	if !ok {
		return
	}
	s.remaining.Store(int64(p.Remaining()))
	s.pageCount.Store(int64(p.PageCount()))
}

func (c *Copier) report(s *Session) {
	if c.onProgress != nil {
		c.onProgress(s.Progress())
	}
}

// classify makes sure every error leaving Copy carries an errclass code.
func classify(err error) error {
	var be *errclass.BackupError
	if errors.As(err, &be) {
		return err
	}

	return errclass.ErrSessionAborted.Wrap(err)
}

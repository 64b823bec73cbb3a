package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/block/sqlitebck/pkg/handle/handletest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	sync.Mutex
	sleeps []time.Duration
	onSleep func()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Lock()
	c.sleeps = append(c.sleeps, d)
	c.Unlock()
	if c.onSleep != nil {
		c.onSleep()
	}

	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.Lock()
	defer c.Unlock()

	return append([]time.Duration(nil), c.sleeps...)
}

func transientOn(calls ...int) func(int) error {
	set := make(map[int]bool, len(calls))
	for _, c := range calls {
		set[c] = true
	}

	return func(call int) error {
		if set[call] {
			return errclass.ErrTransientLock.WithMessage("database is locked")
		}

		return nil
	}
}

func newTestCopier(t *testing.T, batchSize int, retry RetryPolicy, clock Clock) *Copier {
	t.Helper()
	c, err := NewCopier(&Config{BatchSize: batchSize, Retry: retry, Clock: clock})
	require.NoError(t, err)

	return c
}

func TestCopyAllPages(t *testing.T) {
	src := handletest.New("src", "p1", "p2", "p3")
	dst := handletest.New("dst", "stale")

	c := newTestCopier(t, AllPages, DefaultRetryPolicy(), &fakeClock{})
	res, err := c.Copy(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, uint64(1), res.Steps)
	assert.Equal(t, 3, res.PageCount)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, []string{"p1", "p2", "p3"}, dst.Pages())
	assert.Equal(t, []int{AllPages}, src.StepSizes())
	assert.Equal(t, 1, dst.Finishes())
	// The source is never written.
	assert.Equal(t, []string{"p1", "p2", "p3"}, src.Pages())
}

func TestCopyBatchSizes(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		steps     uint64
		sizes     []int
	}{
		{"one page per step", 1, 5, []int{1, 1, 1, 1, 1}},
		{"two pages per step", 2, 3, []int{2, 2, 2}},
		{"batch larger than database", 100, 1, []int{100}},
		{"zero means all pages", 0, 1, []int{AllPages}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := handletest.New("src", "a", "b", "c", "d", "e")
			dst := handletest.New("dst")

			res, err := newTestCopier(t, tt.batchSize, DefaultRetryPolicy(), &fakeClock{}).Copy(context.Background(), src, dst)
			require.NoError(t, err)
			assert.Equal(t, tt.steps, res.Steps)
			assert.Equal(t, tt.sizes, src.StepSizes())
			assert.Equal(t, src.Pages(), dst.Pages())
		})
	}
}

func TestCopyEmptySource(t *testing.T) {
	src := handletest.New("src")
	dst := handletest.New("dst", "old")

	res, err := newTestCopier(t, 1, DefaultRetryPolicy(), &fakeClock{}).Copy(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Empty(t, dst.Pages())
}

func TestCopyIsRepeatable(t *testing.T) {
	src := handletest.New("src", "a", "b")
	dst := handletest.New("dst")
	c := newTestCopier(t, 1, DefaultRetryPolicy(), &fakeClock{})

	first, err := c.Copy(context.Background(), src, dst)
	require.NoError(t, err)
	second, err := c.Copy(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, dst.Pages())
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, dst.Finishes())
}

func TestCopyRetriesTransientLock(t *testing.T) {
	src := handletest.New("src", "a", "b", "c")
	src.StepErr = transientOn(2, 3)
	dst := handletest.New("dst")
	clock := &fakeClock{}

	res, err := newTestCopier(t, 1, ConstantBackoff(10*time.Millisecond, 5), clock).Copy(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, uint64(2), res.Retries)
	assert.Equal(t, uint64(5), res.Steps)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, clock.Sleeps())
	// The cursor survives the failed steps: no page is skipped or copied twice.
	assert.Equal(t, []string{"a", "b", "c"}, dst.Pages())
}

func TestCopyRetriesExhausted(t *testing.T) {
	src := handletest.New("src", "a", "b")
	src.StepErr = func(int) error { return errclass.ErrTransientLock }
	dst := handletest.New("dst", "old")
	clock := &fakeClock{}

	res, err := newTestCopier(t, AllPages, ConstantBackoff(time.Second, 3), clock).Copy(context.Background(), src, dst)
	require.ErrorIs(t, err, errclass.ErrRetriesExhausted)
	require.ErrorIs(t, err, errclass.ErrTransientLock)
	assert.False(t, errclass.Retryable(err))

	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, uint64(4), res.Steps)
	assert.Equal(t, uint64(3), res.Retries)
	assert.Len(t, clock.Sleeps(), 3)
	assert.Equal(t, 1, dst.Finishes())
	assert.Equal(t, []string{"old"}, dst.Pages())
}

func TestCopyZeroRetries(t *testing.T) {
	src := handletest.New("src", "a")
	src.StepErr = transientOn(1)
	clock := &fakeClock{}

	_, err := newTestCopier(t, AllPages, ConstantBackoff(time.Second, 0), clock).Copy(context.Background(), src, handletest.New("dst"))
	require.ErrorIs(t, err, errclass.ErrRetriesExhausted)
	assert.Empty(t, clock.Sleeps())
}

func TestCopyUnboundedRetries(t *testing.T) {
	src := handletest.New("src", "a")
	src.StepErr = func(call int) error {
		if call <= 50 {
			return errclass.ErrTransientLock
		}

		return nil
	}
	dst := handletest.New("dst")
	clock := &fakeClock{}

	res, err := newTestCopier(t, AllPages, ConstantBackoff(time.Millisecond, Unbounded), clock).Copy(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), res.Retries)
	assert.Len(t, clock.Sleeps(), 50)
	assert.Equal(t, []string{"a"}, dst.Pages())
}

func TestCopyRetryCounterResetsOnProgress(t *testing.T) {
	src := handletest.New("src", "a", "b", "c")
	// Every other step is locked; one retry is enough each time.
	src.StepErr = transientOn(1, 3, 5)
	dst := handletest.New("dst")

	res, err := newTestCopier(t, 1, ConstantBackoff(0, 1), &fakeClock{}).Copy(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Retries)
	assert.Equal(t, []string{"a", "b", "c"}, dst.Pages())
}

func TestCopyJitterBackoffDelays(t *testing.T) {
	src := handletest.New("src", "a")
	src.StepErr = transientOn(1, 2, 3)
	clock := &fakeClock{}

	_, err := newTestCopier(t, AllPages, JitterBackoff(10*time.Millisecond, 5), clock).Copy(context.Background(), src, handletest.New("dst"))
	require.NoError(t, err)
	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 3)
	for i, d := range sleeps {
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(i+1)*10*time.Millisecond)
	}
}

func TestCopyPermanentError(t *testing.T) {
	src := handletest.New("src", "a", "b", "c")
	src.StepErr = func(call int) error {
		if call == 2 {
			return errclass.ErrPermanentIO.WithMessage("disk I/O error")
		}

		return nil
	}
	dst := handletest.New("dst", "old")
	clock := &fakeClock{}

	res, err := newTestCopier(t, 1, DefaultRetryPolicy(), clock).Copy(context.Background(), src, dst)
	require.ErrorIs(t, err, errclass.ErrPermanentIO)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, uint64(2), res.Steps)
	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, 1, dst.Finishes())
	assert.Equal(t, []string{"old"}, dst.Pages())
}

func TestCopyUnclassifiedError(t *testing.T) {
	boom := errors.New("boom")
	src := handletest.New("src", "a")
	src.StepErr = func(int) error { return boom }

	_, err := newTestCopier(t, AllPages, DefaultRetryPolicy(), &fakeClock{}).Copy(context.Background(), src, handletest.New("dst"))
	require.ErrorIs(t, err, errclass.ErrSessionAborted)
	require.ErrorIs(t, err, boom)
}

func TestCopyOpenError(t *testing.T) {
	src := handletest.New("src", "a")
	dst := handletest.New("dst")
	dst.OpenErr = errclass.ErrSchemaMismatch.WithMessage("page size differs")

	res, err := newTestCopier(t, AllPages, DefaultRetryPolicy(), &fakeClock{}).Copy(context.Background(), src, dst)
	require.ErrorIs(t, err, errclass.ErrSchemaMismatch)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, res.Steps)
	assert.Empty(t, src.StepSizes())
}

func TestCopyFinishErrorIsReported(t *testing.T) {
	src := handletest.New("src", "a")
	dst := handletest.New("dst")
	dst.FinishErr = errclass.ErrPermanentIO.WithMessage("flush failed")

	res, err := newTestCopier(t, AllPages, DefaultRetryPolicy(), &fakeClock{}).Copy(context.Background(), src, dst)
	require.ErrorIs(t, err, errclass.ErrPermanentIO)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, dst.Finishes())
}

func TestCopyValidationFailsBeforeIO(t *testing.T) {
	c := newTestCopier(t, AllPages, DefaultRetryPolicy(), &fakeClock{})

	t.Run("not a handle", func(t *testing.T) {
		dst := handletest.New("dst")
		res, err := c.Copy(context.Background(), &handletest.Duck{Name: "src"}, dst)
		require.ErrorIs(t, err, errclass.ErrTypeMismatch)
		assert.Nil(t, res)
		assert.Zero(t, dst.Backups())
	})
	t.Run("same handle", func(t *testing.T) {
		db := handletest.New("db", "a")
		res, err := c.Copy(context.Background(), db, db)
		require.ErrorIs(t, err, errclass.ErrSameHandle)
		assert.Nil(t, res)
		assert.Zero(t, db.Backups())
		assert.Empty(t, db.StepSizes())
	})
}

func TestCopyCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := handletest.New("src", "a")
	dst := handletest.New("dst")

	res, err := newTestCopier(t, AllPages, DefaultRetryPolicy(), &fakeClock{}).Copy(ctx, src, dst)
	require.ErrorIs(t, err, errclass.ErrSessionAborted)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Steps)
	assert.Equal(t, 1, dst.Finishes())
}

func TestCopyCancelledWhileRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := handletest.New("src", "a")
	src.StepErr = func(int) error { return errclass.ErrTransientLock }
	dst := handletest.New("dst")
	clock := &fakeClock{onSleep: cancel}

	res, err := newTestCopier(t, AllPages, ConstantBackoff(time.Second, Unbounded), clock).Copy(ctx, src, dst)
	require.ErrorIs(t, err, errclass.ErrSessionAborted)
	assert.Equal(t, uint64(1), res.Steps)
	assert.Len(t, clock.Sleeps(), 1)
	assert.Equal(t, 1, dst.Finishes())
}

func TestCopyHandleClosedMidSession(t *testing.T) {
	src := handletest.New("src", "a", "b", "c")
	src.AfterStep = func(call int) {
		if call == 1 {
			src.Close()
		}
	}
	dst := handletest.New("dst")

	res, err := newTestCopier(t, 1, DefaultRetryPolicy(), &fakeClock{}).Copy(context.Background(), src, dst)
	require.ErrorIs(t, err, errclass.ErrPermanentIO)
	assert.Equal(t, uint64(1), res.Steps)
	assert.Equal(t, 1, dst.Finishes())
	assert.Empty(t, dst.Pages())
}

func TestCopyProgress(t *testing.T) {
	src := handletest.New("src", "a", "b")
	src.StepErr = transientOn(2)
	dst := handletest.New("dst")

	var seen []Progress
	c, err := NewCopier(&Config{
		BatchSize:  1,
		Retry:      ConstantBackoff(0, 3),
		Clock:      &fakeClock{},
		OnProgress: func(p Progress) { seen = append(seen, p) },
	})
	require.NoError(t, err)
	res, err := c.Copy(context.Background(), src, dst)
	require.NoError(t, err)

	states := make([]State, 0, len(seen))
	for _, p := range seen {
		assert.Equal(t, res.SessionID, p.SessionID)
		states = append(states, p.State)
	}
	assert.Equal(t, []State{StateStepping, StateRetrying, StateStepping, StateCompleted}, states)

	last := seen[len(seen)-1]
	assert.Equal(t, 0, last.Remaining)
	assert.Equal(t, 2, last.PageCount)
	assert.Equal(t, uint64(3), last.Steps)
	assert.Equal(t, uint64(1), last.Retries)
	assert.Equal(t, 1, seen[0].Remaining)
}

func TestNewCopierInvalidConfig(t *testing.T) {
	_, err := NewCopier(&Config{BatchSize: -2})
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = NewCopier(&Config{BatchSize: 1, Retry: RetryPolicy{MaxRetries: -5}})
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)

	c, err := NewCopier(nil)
	require.NoError(t, err)
	assert.Equal(t, AllPages, c.batchSize)
	assert.Equal(t, DefaultMaxRetries, c.retry.MaxRetries)
}

func TestPackageCopy(t *testing.T) {
	src := handletest.New("src", "a", "b")
	dst := handletest.New("dst")

	res, err := Copy(context.Background(), src, dst, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Steps)
	assert.Equal(t, []string{"a", "b"}, dst.Pages())

	_, err = Copy(context.Background(), src, dst, 1, -time.Second)
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = Copy(context.Background(), src, dst, -3, time.Millisecond)
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "retrying", StateRetrying.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateFinalizing.Terminal())
}

func TestRealClockSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, realClock{}.Sleep(ctx, time.Millisecond))
	cancel()
	require.ErrorIs(t, realClock{}.Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, realClock{}.Sleep(ctx, 0), context.Canceled)
}

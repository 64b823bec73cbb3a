package errclass_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupError_Error(t *testing.T) {
	assert.Equal(t, "E_SAME_HANDLE", errclass.ErrSameHandle.Error())

	err := errclass.ErrTypeMismatch.WithMessage("source is nil")
	assert.Equal(t, "E_TYPE_MISMATCH: source is nil", err.Error())

	err = errclass.ErrPermanentIO.WithMessage("step failed").Wrap(io.ErrUnexpectedEOF)
	assert.Equal(t, "E_PERMANENT_IO: step failed: unexpected EOF", err.Error())
}

func TestBackupError_Is(t *testing.T) {
	err := errclass.ErrSchemaMismatch.WithMessagef("page size %d != %d", 4096, 8192)
	require.ErrorIs(t, err, errclass.ErrSchemaMismatch)
	require.NotErrorIs(t, err, errclass.ErrPermanentIO)

	wrapped := fmt.Errorf("error copying: %w", err)
	require.ErrorIs(t, wrapped, errclass.ErrSchemaMismatch)
}

func TestBackupError_Unwrap(t *testing.T) {
	cause := errors.New("disk on fire")
	err := errclass.ErrPermanentIO.Wrap(cause)
	require.ErrorIs(t, err, cause)

	exhausted := errclass.ErrRetriesExhausted.Wrap(errclass.ErrTransientLock.WithMessage("database is locked"))
	require.ErrorIs(t, exhausted, errclass.ErrRetriesExhausted)
	require.ErrorIs(t, exhausted, errclass.ErrTransientLock)
}

func TestBackupError_DerivedDoesNotMutateClass(t *testing.T) {
	_ = errclass.ErrSessionAborted.WithMessage("x").Wrap(io.EOF)
	assert.Empty(t, errclass.ErrSessionAborted.Message)
	assert.NoError(t, errclass.ErrSessionAborted.Err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, errclass.Retryable(errclass.ErrTransientLock))
	assert.True(t, errclass.Retryable(fmt.Errorf("step: %w", errclass.ErrTransientLock.WithMessage("busy"))))
	assert.False(t, errclass.Retryable(errclass.ErrRetriesExhausted.Wrap(errclass.ErrTransientLock)))
	assert.False(t, errclass.Retryable(errclass.ErrPermanentIO))
	assert.False(t, errclass.Retryable(errors.New("plain")))
	assert.False(t, errclass.Retryable(nil))
}

func TestFromResultCode(t *testing.T) {
	cause := errors.New("sqlite")
	tests := []struct {
		code int
		want *errclass.BackupError
	}{
		{5, errclass.ErrTransientLock},   // SQLITE_BUSY
		{6, errclass.ErrTransientLock},   // SQLITE_LOCKED
		{517, errclass.ErrTransientLock}, // SQLITE_BUSY_SNAPSHOT
		{8, errclass.ErrSchemaMismatch},  // SQLITE_READONLY
		{10, errclass.ErrPermanentIO},    // SQLITE_IOERR
		{266, errclass.ErrPermanentIO},   // SQLITE_IOERR_READ
		{11, errclass.ErrPermanentIO},    // SQLITE_CORRUPT
		{26, errclass.ErrPermanentIO},    // SQLITE_NOTADB
		{1, errclass.ErrSessionAborted},  // SQLITE_ERROR
		{21, errclass.ErrSessionAborted}, // SQLITE_MISUSE
	}
	for _, tt := range tests {
		err := errclass.FromResultCode(tt.code, cause)
		assert.ErrorIs(t, err, tt.want, "code %d", tt.code)
		assert.ErrorIs(t, err, cause, "code %d", tt.code)
	}
}

package failsafe

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestIsTransientClassifiesKnownStorageErrors(t *testing.T) {
	require.True(t, IsTransient(sql.ErrConnDone))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.True(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(errors.New("bad query")))
}

func TestDoReturnsValueOnSuccess(t *testing.T) {
	env := New(zerolog.New(io.Discard), nil)
	got, err := Do(env, "read", "fallback", func() (string, error) {
		return "value", nil
	})
	require.NoError(t, err)
	require.Equal(t, "value", got)
}

func TestDoSwallowsTransientErrorAndReportsIt(t *testing.T) {
	var reportedTag string
	var reportedErr error
	handler := func(tag string, err error, returning any) {
		reportedTag = tag
		reportedErr = err
	}
	env := New(zerolog.New(io.Discard), handler)

	got, err := Do(env, "read", "fallback", func() (string, error) {
		return "", sql.ErrConnDone
	})

	require.NoError(t, err, "a transient storage error must degrade to fallback, not propagate")
	require.Equal(t, "fallback", got)
	require.Equal(t, "read", reportedTag)
	require.ErrorIs(t, reportedErr, sql.ErrConnDone)
}

func TestDoPropagatesNonTransientError(t *testing.T) {
	var reportedErr error
	handler := func(tag string, err error, returning any) { reportedErr = err }
	env := New(zerolog.New(io.Discard), handler)

	boom := errors.New("boom")
	got, err := Do(env, "read", "fallback", func() (string, error) {
		return "", boom
	})

	require.ErrorIs(t, err, boom, "a non-transient error must propagate to the caller")
	require.Equal(t, "fallback", got)
	require.ErrorIs(t, reportedErr, boom, "it must still be reported before propagating")
}

func TestTrySwallowsTransientErrorAndInvokesHandler(t *testing.T) {
	called := false
	handler := func(tag string, err error, returning any) { called = true }
	env := New(zerolog.New(io.Discard), handler)

	err := Try(env, "delete", func() error { return sql.ErrConnDone })
	require.NoError(t, err)
	require.True(t, called)
}

func TestTryPropagatesNonTransientError(t *testing.T) {
	called := false
	handler := func(tag string, err error, returning any) { called = true }
	env := New(zerolog.New(io.Discard), handler)

	boom := errors.New("boom")
	err := Try(env, "delete", func() error { return boom })

	require.ErrorIs(t, err, boom)
	require.True(t, called)
}

func TestTryWithoutHandlerDoesNotPanic(t *testing.T) {
	env := New(zerolog.New(io.Discard), nil)
	require.NotPanics(t, func() {
		_ = Try(env, "delete", func() error { return errors.New("boom") })
	})
}

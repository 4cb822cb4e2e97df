// Package failsafe implements the error-swallowing envelope every cache
// operation runs through (spec §4.D): a transient storage failure (a
// dropped connection, a timeout, a lock conflict) never propagates to the
// caller as an error — it degrades to a caller-supplied default value, is
// reported once through zerolog, and is handed to a caller-configurable
// error-handler callback for anything beyond logging (metrics, alerting).
//
// The degrade-to-default shape mirrors the teacher's NoOp-implementation
// idiom (e.g. internal/lifetimer falling back to a no-op ticker when its
// config is disabled): a subsystem that cannot do its real job returns an
// inert value instead of making every caller handle its failure mode. The
// zerolog warning emission is grounded on the one working fragment of the
// teacher's internal/cache/db/dump/dump.go, which logs eviction-dump
// failures the same way: a structured zerolog.Event with a tag field. Here
// transient failures log at Warn and any other failure at Error.
package failsafe

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/rs/zerolog"

	"github.com/dbcache/dbcache/config"
)

// IsTransient classifies an error as a storage failure the cache should
// degrade past rather than surface: connection loss, timeouts, and
// context cancellation propagated up from a database/sql call (spec §7
// "transient storage error taxonomy"). Anything else (a caller bug, a
// malformed query) is treated as non-transient: Do and Try report it with a
// louder log line and return it to the caller instead of swallowing it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, sql.ErrConnDone),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Envelope runs failsafe operations against a fixed logger and error
// handler, so call sites don't have to thread both through every call.
type Envelope struct {
	log     zerolog.Logger
	handler config.ErrorHandlerFunc
}

// New builds an Envelope. handler may be nil; a nil handler means "logging
// only", matching cfg.ErrorHandler being unset (spec §6 error_handler is
// optional).
func New(log zerolog.Logger, handler config.ErrorHandlerFunc) *Envelope {
	return &Envelope{log: log, handler: handler}
}

// Do runs fn. If fn succeeds, its value passes through untouched. If fn
// fails, Do always reports the error — logged, and hand to the configured
// error handler — before deciding what to return. When the failure is one
// of the fixed transient storage errors IsTransient recognizes, Do returns
// (fallback, nil): the caller sees only the defaulted value, per spec §4.D.
// Anything else is a permanent storage or programmer error (spec §7) and
// must not be hidden: Do still returns fallback, but also returns the
// original error so the caller can propagate it.
func Do[T any](e *Envelope, tag string, fallback T, fn func() (T, error)) (T, error) {
	value, err := fn()
	if err == nil {
		return value, nil
	}
	e.report(tag, err, fallback)
	if !IsTransient(err) {
		return fallback, err
	}
	return fallback, nil
}

// Try runs fn for its side effects only, following the same swallow-or-
// propagate rule as Do. Useful for operations with no meaningful return
// value (deletes, clears): transient failures are reported and discarded;
// non-transient failures are reported and returned.
func Try(e *Envelope, tag string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	e.report(tag, err, nil)
	if !IsTransient(err) {
		return err
	}
	return nil
}

func (e *Envelope) report(tag string, err error, returning any) {
	level := zerolog.WarnLevel
	if !IsTransient(err) {
		level = zerolog.ErrorLevel
	}
	e.log.WithLevel(level).
		Err(err).
		Str("tag", tag).
		Bool("transient", IsTransient(err)).
		Msg("dbcache: operation failed, returning fallback")

	if e.handler != nil {
		e.handler(tag, err, returning)
	}
}

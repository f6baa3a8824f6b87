//go:build !debug

// Package debug provides invariant assertions that are only active with the
// debug build tag, and diagnostic dumps which are always available.
//
// Assertions are meant for the encoder's internal bookkeeping (counter
// bounds, state transitions). Hardware misbehaviour is never asserted, it is
// recovered from or reported through a dump.
package debug

// Enabled reports whether assertions are compiled in. Guard assertions that
// are expensive to evaluate with `if debug.Enabled {...}`.
const Enabled = false

// Assert panics if b is false.
func Assert(b bool, message string) {}

// Assertf panics with a formatted message if b is false.
func Assertf(b bool, format string, args ...any) {}

// AssertErrNil panics if err is not nil.
func AssertErrNil(err error) {}

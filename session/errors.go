package session

import "go.bryk.io/pkg/errors"

// Sentinel errors surfaced to the frontend. Use errors.Is to test for
// them; they are returned bare (not wrapped with errors.WithStack) since
// that constructor leaves Unwrap nil, which stdlib errors.Is - and
// therefore testify's assert.ErrorIs - cannot see through. Call sites
// that want additional context use errors.Wrap(ErrXxx, ...) instead,
// which does chain.
var (
	// ErrNotRunning is returned by operations that require the session to
	// be Idle or Busy when it is not.
	ErrNotRunning = errors.New("session: not running")

	// ErrNotFound is returned when an operation id has no corresponding
	// tracked job, whether it was never created or was already cancelled.
	ErrNotFound = errors.New("session: operation not found")

	// ErrTooManyOperations is returned when a bound configured with
	// WithMaxOperations has been reached.
	ErrTooManyOperations = errors.New("session: operations table is full")

	// ErrRateLimited is returned when a statement admission rate limit
	// configured with WithStatementRateLimit rejects the request.
	ErrRateLimited = errors.New("session: statement rate limit exceeded")

	// ErrUnexpectedReply is returned when the remote driver's reply does
	// not match the type a call expected.
	ErrUnexpectedReply = errors.New("session: unexpected reply type from driver")
)

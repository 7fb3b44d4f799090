package session

import (
	"go.bryk.io/pkg/log"
	"golang.org/x/time/rate"
)

// ManagerOption adjusts Manager construction following a functional
// options pattern, mirroring package rpc's Option.
type ManagerOption func(*managerSettings) error

type managerSettings struct {
	logger           log.Logger
	maxOperations    int
	statementLimiter *rate.Limiter
	dialer           Dialer
}

func defaultManagerSettings() *managerSettings {
	return &managerSettings{
		logger:        log.Discard(),
		maxOperations: 0, // unbounded, matching the reference's undocumented table
		dialer:        defaultDialer,
	}
}

// WithLogger attaches a structured logger to the manager and every
// session it creates.
func WithLogger(logger log.Logger) ManagerOption {
	return func(s *managerSettings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMaxOperations bounds the number of live entries a session's
// operations table may hold; zero (the default) leaves it unbounded, as
// the reference implementation does. A positive bound fails SubmitJob/
// RunJob with ErrTooManyOperations once reached.
func WithMaxOperations(n int) ManagerOption {
	return func(s *managerSettings) error {
		s.maxOperations = n
		return nil
	}
}

// WithStatementRateLimit admits at most r statements per second (with
// burst b), shared across every session the manager creates, rejecting
// excess submissions with ErrRateLimited rather than queuing them. This
// is a safety knob absent from the reference contract; omit the option
// to leave admission unthrottled.
func WithStatementRateLimit(r rate.Limit, b int) ManagerOption {
	return func(s *managerSettings) error {
		s.statementLimiter = rate.NewLimiter(r, b)
		return nil
	}
}

// WithDialer overrides how a session's channel is established, mainly
// for tests that want to substitute an in-memory driver double.
func WithDialer(d Dialer) ManagerOption {
	return func(s *managerSettings) error {
		if d != nil {
			s.dialer = d
		}
		return nil
	}
}

package rpc

import (
	"time"

	"go.bryk.io/pkg/errors"
	"go.bryk.io/pkg/log"
)

// Option allows adjusting channel settings following a functional pattern.
type Option func(*dialSettings) error

// dialSettings accumulates the configuration applied by Option values
// before Connect dials the underlying socket.
type dialSettings struct {
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	maxMessageSize   uint32
	mechanism        Mechanism
	clientID         string
	secret           []byte
	tlsOpts          *ClientTLSConfig
	logger           log.Logger
	onInactive       func(error)
}

func defaultDialSettings() *dialSettings {
	return &dialSettings{
		connectTimeout:   10 * time.Second,
		handshakeTimeout: 30 * time.Second,
		mechanism:        NewSCRAMMechanism(),
		logger:           log.Discard(),
	}
}

// WithConnectTimeout bounds how long dialing the TCP connection may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *dialSettings) error {
		s.connectTimeout = d
		return nil
	}
}

// WithHandshakeTimeout bounds how long the SASL exchange may take, counted
// separately from the connect timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *dialSettings) error {
		s.handshakeTimeout = d
		return nil
	}
}

// WithMaxMessageSize caps the size, in bytes, of a single encoded frame.
func WithMaxMessageSize(n uint32) Option {
	return func(s *dialSettings) error {
		s.maxMessageSize = n
		return nil
	}
}

// WithMechanism overrides the default SASL mechanism (SCRAM-SHA-256).
func WithMechanism(m Mechanism) Option {
	return func(s *dialSettings) error {
		if m == nil {
			return errors.New("nil mechanism")
		}
		s.mechanism = m
		return nil
	}
}

// WithCredentials sets the identity presented during the handshake: a
// client id (not secret, used as the SASL username/correlation tag) and
// the shared secret used to authenticate it.
func WithCredentials(clientID string, secret []byte) Option {
	return func(s *dialSettings) error {
		if clientID == "" {
			return errors.New("client id required")
		}
		s.clientID = clientID
		s.secret = secret
		return nil
	}
}

// WithClientTLS wraps the raw TCP connection in TLS before the SASL
// handshake starts.
func WithClientTLS(opts ClientTLSConfig) Option {
	return func(s *dialSettings) error {
		s.tlsOpts = &opts
		return nil
	}
}

// WithLogger attaches a structured logger to the channel and its
// dispatcher.
func WithLogger(logger log.Logger) Option {
	return func(s *dialSettings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithOnInactive registers a callback invoked exactly once, when a ready
// channel transitions to inactive, from whichever goroutine closed it: the
// receive loop on a read failure, or the caller of Call (write failure)
// or Close. A failed Connect never invokes it. The session manager uses
// this to drive its own Error transition.
func WithOnInactive(fn func(error)) Option {
	return func(s *dialSettings) error {
		s.onInactive = fn
		return nil
	}
}

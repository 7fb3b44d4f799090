/*
Package session implements the manager-side session lifecycle and state
machine: it owns a Session's state transitions, its statement and
operation tracking tables, and the background statement-polling loop,
all layered on top of the transport provided by package rpc.

A Manager is the entry point used by the (out-of-scope) HTTP frontend:

	mgr := session.NewManager(session.WithLogger(logger))
	s, err := mgr.CreateSession(ctx, "driver-host:10000", session.KindSpark,
		"alice", "", session.DriverConfig{
			ClientID:     "mgr-0001",
			SharedSecret: secret,
		})

CreateSession dials and authenticates the remote driver's channel
synchronously; the session is returned in the Starting state and
transitions to Idle (or Error, then Dead) asynchronously once the
trivial readiness ping completes.
*/
package session

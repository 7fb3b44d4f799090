/*
Package rpc implements the session manager's transport to a remote compute
driver: a single, ordered, SASL-authenticated message channel multiplexing
call/reply/error frames.

Unlike a general-purpose RPC framework, this package does not expose a
server side. A `Channel` is always the client half of a point-to-point
connection established by a session; the remote driver is the only peer
and plays the server role of the handshake.

Connect

A channel is obtained with Connect, which opens the underlying TCP
connection, performs the SASL handshake and, on success, returns a ready
channel with its background receive loop already running.

	ch, err := rpc.Connect(ctx, "127.0.0.1:10000",
		rpc.WithCredentials("driver-7", []byte("s3cr3t")),
		rpc.WithConnectTimeout(5*time.Second),
		rpc.WithHandshakeTimeout(10*time.Second),
	)

Calls

Once ready, a channel can issue calls. Each call is assigned a monotonic
id and its completion is resolved exactly once, by a REPLY, an ERROR or
a channel close.

	reply, err := ch.Call(ctx, &rpc.NullMessage{})

Dispatcher

The receive side of a channel is a Dispatcher: it correlates inbound
REPLY/ERROR frames to pending calls by id, and routes any other inbound
frame to a registered server-initiated handler, keyed by the payload's
registered type name.
*/
package rpc

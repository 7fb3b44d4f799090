package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.bryk.io/pkg/errors"
	"go.bryk.io/pkg/log"
)

// maxHandshakeRounds bounds the SASL challenge/response loop so a
// misbehaving peer that never reports completion cannot hang a connection
// attempt forever; the handshake timeout already covers the common case,
// this is a second line of defense against a peer that keeps answering
// just fast enough to dodge it.
const maxHandshakeRounds = 20

// Channel is a single, ordered, SASL-authenticated message stream to one
// remote driver. A Channel is always the client half of the connection;
// the remote driver is the peer and plays the server role during the
// handshake. Created by Connect, a Channel is ready to Call as soon as it
// is returned.
type Channel struct {
	conn     net.Conn
	codec    *Codec
	writeMu  sync.Mutex // serializes header+payload pairs across concurrent calls
	nextID   atomic.Int64
	closed   atomic.Bool
	closedCh chan struct{}

	dispatcher    *Dispatcher
	dispatcherSet atomic.Bool

	log        log.Logger
	onInactive func(error)
	createdAt  time.Time
}

// Connect opens a TCP connection to addr, performs the SASL handshake and
// returns a ready channel with its receive loop already running. On any
// failure the underlying socket is closed and a non-nil error returned.
func Connect(ctx context.Context, addr string, opts ...Option) (*Channel, error) {
	settings := defaultDialSettings()
	for _, opt := range opts {
		if err := opt(settings); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if settings.clientID == "" {
		return nil, errors.New("credentials required: use WithCredentials")
	}

	dialer := net.Dialer{Timeout: settings.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial remote driver")
	}
	if settings.tlsOpts != nil {
		tlsConf, tErr := clientTLSConf(*settings.tlsOpts)
		if tErr != nil {
			_ = conn.Close()
			return nil, tErr
		}
		conn = tls.Client(conn, tlsConf)
	}

	ch := &Channel{
		conn:      conn,
		codec:     NewCodec(conn, settings.maxMessageSize),
		closedCh:  make(chan struct{}),
		log:       settings.logger,
		createdAt: time.Now(),
	}

	if err := ch.handshake(ctx, settings); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// Two-phase construction: the handshake only authenticates the raw
	// connection, it must not be able to observe application traffic.
	// The dispatcher is installed only once the handshake is done, and
	// SetDispatcher refuses a second call, so a channel can never end up
	// routing replies before it is actually ready.
	if err := ch.SetDispatcher(NewDispatcher(settings.logger)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	ch.onInactive = settings.onInactive
	go ch.receiveLoop()
	return ch, nil
}

// SetDispatcher installs the channel's dispatcher. One-shot: a second call
// always fails, preventing a channel from ever being rewired mid-flight.
func (ch *Channel) SetDispatcher(d *Dispatcher) error {
	if !ch.dispatcherSet.CompareAndSwap(false, true) {
		return errors.New("dispatcher already installed")
	}
	ch.dispatcher = d
	return nil
}

// handshake drives the SASL exchange under its own timeout, distinct from
// the connect timeout already spent dialing.
func (ch *Channel) handshake(ctx context.Context, s *dialSettings) error {
	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	hs, err := s.mechanism.NewHandshake(s.clientID, s.secret)
	if err != nil {
		return errors.WithStack(err)
	}

	result := make(chan error, 1)
	go func() { result <- ch.runHandshake(hs, s.clientID) }()

	select {
	case err := <-result:
		return err
	case <-hctx.Done():
		_ = ch.conn.Close() // unblock the pending read in runHandshake
		<-result
		return errors.Wrap(hctx.Err(), "sasl handshake timed out")
	}
}

func (ch *Channel) runHandshake(hs Handshake, clientID string) error {
	initial, err := hs.Start()
	if err != nil {
		return errors.Wrap(err, "failed to start sasl exchange")
	}
	if err := ch.codec.WriteMessage(&SaslMessage{ClientID: clientID, Payload: initial}); err != nil {
		return errors.Wrap(err, "failed to send initial sasl response")
	}

	for round := 0; round < maxHandshakeRounds; round++ {
		msg, err := ch.codec.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "sasl handshake read failed")
		}
		sm, ok := msg.(*SaslMessage)
		if !ok {
			return errors.Errorf("unexpected frame %T during sasl handshake", msg)
		}

		resp, done, err := hs.Step(sm.Payload)
		if err != nil {
			return errors.Wrap(err, "sasl evaluation failed")
		}
		if done {
			if qop := hs.QoP(); qop != QoPAuth {
				ch.installWrapUnwrap(hs)
			}
			return nil
		}
		if err := ch.codec.WriteMessage(&SaslMessage{Payload: resp}); err != nil {
			return errors.Wrap(err, "failed to send sasl response")
		}
	}
	return errors.New("sasl handshake did not complete within the round limit")
}

// sealer is implemented by a Handshake whose negotiated QoP requires
// wrapping/unwrapping subsequent application frames.
type sealer interface {
	Wrap([]byte) ([]byte, error)
	Unwrap([]byte) ([]byte, error)
}

func (ch *Channel) installWrapUnwrap(hs Handshake) {
	if s, ok := hs.(sealer); ok {
		ch.codec.setWrapUnwrap(s.Wrap, s.Unwrap)
	}
}

// Call issues msg to the remote driver and blocks until a REPLY, an
// ERROR, or a channel close resolves it, or ctx is done.
func (ch *Channel) Call(ctx context.Context, msg interface{}) (interface{}, error) {
	if ch.closed.Load() {
		return nil, ErrChannelClosed
	}

	id := ch.nextID.Add(1)
	completion := ch.dispatcher.registerRpc(id, fmt.Sprintf("%T", msg))

	ch.writeMu.Lock()
	err := ch.writeCallLocked(id, msg)
	ch.writeMu.Unlock()

	if err != nil {
		ch.dispatcher.discardRpc(id)
		ch.closeWithCause(errors.Wrap(err, "call write failed"))
		return nil, err
	}
	return completion.Wait(ctx)
}

// writeCallLocked writes the MessageHeader/payload pair for a CALL frame.
// Caller must hold writeMu so the pair cannot interleave with another
// concurrent call's frames.
func (ch *Channel) writeCallLocked(id int64, msg interface{}) error {
	if err := ch.codec.WriteMessage(&MessageHeader{ID: id, Type: CallMessage}); err != nil {
		return err
	}
	return ch.codec.WriteMessage(msg)
}

// receiveLoop is the channel's single event-loop goroutine: it owns all
// reads, giving reply routing a single-writer view of the dispatcher's
// registration traffic (registerRpc can still race it from other
// goroutines, which is why the pending table is a concurrent map).
func (ch *Channel) receiveLoop() {
	for {
		hdr, err := ch.codec.ReadMessage()
		if err != nil {
			ch.closeWithCause(errors.Wrap(err, "channel read failed"))
			return
		}
		header, ok := hdr.(*MessageHeader)
		if !ok {
			ch.log.WithFields(log.Fields{"frame": fmt.Sprintf("%T", hdr)}).Warning("expected message header, dropping frame")
			continue
		}

		payload, err := ch.codec.ReadMessage()
		if err != nil {
			ch.closeWithCause(errors.Wrap(err, "channel read failed"))
			return
		}

		switch header.Type {
		case ReplyMessage:
			ch.dispatcher.complete(header.ID, payload, nil)
		case ErrorMessage:
			ch.dispatcher.complete(header.ID, nil, toError(payload))
		case CallMessage:
			// server-initiated notification, not a reply to anything we
			// sent; route by payload type name.
			ch.dispatcher.dispatchServerMessage(fmt.Sprintf("%T", payload), payload)
		default:
			ch.log.Warning("dropping frame with unknown message type")
		}
	}
}

func toError(payload interface{}) error {
	if ep, ok := payload.(*errorPayload); ok {
		return ep
	}
	return errors.Errorf("remote error: %v", payload)
}

// closeWithCause closes the channel exactly once: N concurrent calls
// result in exactly one socket shutdown, one dispatcher drain, and one
// onInactive notification.
func (ch *Channel) closeWithCause(cause error) {
	if !ch.closed.CompareAndSwap(false, true) {
		return
	}
	_ = ch.conn.Close()
	close(ch.closedCh)
	if ch.dispatcher != nil {
		ch.dispatcher.discardAll(cause)
	}
	if ch.onInactive != nil {
		ch.onInactive(cause)
	}
}

// Close shuts the channel down cleanly. Idempotent.
func (ch *Channel) Close() error {
	ch.closeWithCause(ErrChannelClosed)
	return nil
}

// Closed returns a channel that is closed once this Channel becomes
// inactive, for callers that want to select on it rather than poll
// IsClosed.
func (ch *Channel) Closed() <-chan struct{} {
	return ch.closedCh
}

// IsClosed reports whether the channel has become inactive.
func (ch *Channel) IsClosed() bool {
	return ch.closed.Load()
}

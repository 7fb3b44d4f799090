package rpc

import (
	"context"
	"sync"

	"go.bryk.io/pkg/errors"
	"go.bryk.io/pkg/log"
)

// ErrChannelClosed is returned by a pending call when the channel it was
// issued on closes before a REPLY or ERROR arrives.
var ErrChannelClosed = errors.New("channel closed")

// Completion is a value type modeling the three terminal outcomes a call
// can resolve to: a value, an error, or a cancellation caused by the
// channel going away. Avoiding a language-specific promise/future type
// keeps the contract trivial for callers that just need to observe
// terminal resolution.
type Completion struct {
	name string // debug tag; the type name of the call's outbound message

	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	value    interface{}
	err      error
}

func newCompletion(name string) *Completion {
	return &Completion{name: name, done: make(chan struct{})}
}

// resolve completes the future with its terminal outcome. Only the first
// call has any effect; subsequent calls are no-ops, matching the
// "exactly one of {reply, error, channel-close} resolves the completion"
// invariant.
func (c *Completion) resolve(value interface{}, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return
	}
	c.resolved = true
	c.value = value
	c.err = err
	close(c.done)
}

// Wait blocks until the completion is resolved or ctx is done.
func (c *Completion) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServerHandler processes a server-initiated message, i.e. one the remote
// driver sends without a preceding CALL from this side.
type ServerHandler func(payload interface{})

// pendingCall is the dispatcher's bookkeeping entry for one outstanding
// call.
type pendingCall struct {
	completion *Completion
}

// Dispatcher is the receive-side router of a Channel: it correlates
// inbound REPLY/ERROR frames to pending calls by id, in O(1), and routes
// any other inbound frame to a handler registered by payload type name.
//
// The pending table is a concurrent map rather than a plain map guarded
// by a single mutex because registerRpc (called from any caller's
// goroutine, before the write) can race with complete (called from the
// single receive-loop goroutine).
type Dispatcher struct {
	pending  sync.Map // int64 -> *pendingCall
	handlers sync.Map // string -> ServerHandler
	log      log.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Discard()
	}
	return &Dispatcher{log: logger}
}

// registerRpc records a pending call. It must be called before the
// corresponding CALL frame is written, so a reply racing the write is
// never missed.
func (d *Dispatcher) registerRpc(id int64, name string) *Completion {
	c := newCompletion(name)
	d.pending.Store(id, &pendingCall{completion: c})
	return c
}

// discardRpc removes a pending registration whose CALL frame failed to
// send; it does not resolve the completion, since Call returns the send
// error directly instead of waiting on it.
func (d *Dispatcher) discardRpc(id int64) {
	d.pending.Delete(id)
}

// complete resolves a pending call by id, dropping unknown ids (the
// remote replying to a call we no longer track, e.g. one removed by
// discardRpc) with a log line rather than a panic. A call whose Wait
// returned early on its context stays registered until its reply arrives.
func (d *Dispatcher) complete(id int64, payload interface{}, err error) {
	v, ok := d.pending.LoadAndDelete(id)
	if !ok {
		d.log.WithFields(log.Fields{"call": id}).Warning("reply for unknown call id")
		return
	}
	pc := v.(*pendingCall)
	pc.completion.resolve(payload, err)
}

// discardAll fails every outstanding completion with cause, called once
// when the channel becomes inactive.
func (d *Dispatcher) discardAll(cause error) {
	d.pending.Range(func(key, value interface{}) bool {
		d.pending.Delete(key)
		value.(*pendingCall).completion.resolve(nil, cause)
		return true
	})
}

// RegisterHandler installs a handler for a server-initiated message type,
// keyed by the payload's registered gob name (i.e. its Go type name).
func (d *Dispatcher) RegisterHandler(name string, h ServerHandler) {
	d.handlers.Store(name, h)
}

// dispatchServerMessage routes an inbound frame that is not a REPLY/ERROR
// for a known pending call - i.e. a server-initiated notification - to
// its registered handler, if any.
func (d *Dispatcher) dispatchServerMessage(name string, payload interface{}) {
	v, ok := d.handlers.Load(name)
	if !ok {
		d.log.WithFields(log.Fields{"type": name}).Warning("no handler for server-initiated message")
		return
	}
	v.(ServerHandler)(payload)
}

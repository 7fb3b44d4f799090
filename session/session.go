package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryk-io/rsc-session/net/rpc"
	"go.bryk.io/pkg/errors"
	"go.bryk.io/pkg/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// statementPollInterval is the fixed backoff between replJobResult polls.
// A source-level policy, not an invariant; an event-driven or
// exponential-backoff replacement is fine as long as a statement's
// completion slot still resolves to the first non-null reply observed.
const statementPollInterval = 1 * time.Second

// readinessTimeout bounds the post-handshake ping used to confirm the
// interpreter is actually responsive before the session leaves Starting.
const readinessTimeout = 30 * time.Second

// Session is one remote driver process plus the manager-side tracking
// structures for it: its state machine, its statement table, and its
// opaque-job table.
type Session struct {
	id        int64
	owner     string
	proxyUser string
	kind      Kind
	createdAt time.Time

	lastActivity atomic.Value // time.Time

	mu    sync.Mutex // guards state, statements, operations, everything below
	state State
	stateView atomic.Value // State, readable lock-free (advisory, per the lifecycle's read contract)

	statements []*Statement
	operations map[int64]*Operation
	nextOpID   atomic.Int64

	channel *rpc.Channel
	tasks   errgroup.Group // per-session background tasks: pollers, fire-and-forget cancels

	log             log.Logger
	limiter         *rate.Limiter
	maxOperations   int
	stopGracePeriod time.Duration
}

// ID returns the session's manager-assigned identifier.
func (s *Session) ID() int64 { return s.id }

// State returns the current lifecycle state. Reads are lock-free and, per
// the lifecycle model, advisory: a concurrent transition may land
// immediately after this returns.
func (s *Session) State() State {
	return s.stateView.Load().(State)
}

// Info returns a point-in-time snapshot of the session's attributes.
func (s *Session) Info() Info {
	return Info{
		ID:           s.id,
		Owner:        s.owner,
		ProxyUser:    s.proxyUser,
		Kind:         s.kind,
		State:        s.State(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity.Load().(time.Time),
	}
}

// ensureRunningLocked admits only Idle or Busy. Caller must hold s.mu.
func (s *Session) ensureRunningLocked() error {
	if s.state != Idle && s.state != Busy {
		return ErrNotRunning
	}
	return nil
}

// setStateLocked transitions the session's state and keeps the lock-free
// view and the per-state gauge in sync. Caller must hold s.mu.
func (s *Session) setStateLocked(next State) {
	sessionsByState.WithLabelValues(string(s.state)).Dec()
	s.state = next
	s.stateView.Store(next)
	sessionsByState.WithLabelValues(string(next)).Inc()
}

func (s *Session) touchLocked() {
	s.lastActivity.Store(time.Now())
}

// call issues msg over the session's channel and observes its latency
// under rpcCallDuration, labeled by the payload's concrete type.
func (s *Session) call(ctx context.Context, msg interface{}) (interface{}, error) {
	start := time.Now()
	reply, err := s.channel.Call(ctx, msg)
	rpcCallDuration.WithLabelValues(fmt.Sprintf("%T", msg)).Observe(time.Since(start).Seconds())
	return reply, err
}

// runReadinessCheck issues the trivial ping call once, right after
// connect, and drives Starting -> Idle on success or Starting -> Error ->
// Dead on failure or timeout.
func (s *Session) runReadinessCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()

	_, err := s.call(ctx, &ping{})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Starting {
		// The channel already died and onChannelInactive moved us past
		// Starting; nothing left to do here.
		return
	}
	if err != nil {
		s.setStateLocked(Error)
		s.setStateLocked(Dead)
		s.log.WithFields(log.Fields{"session": s.id, "error": err}).Warning("readiness ping failed")
		return
	}
	s.setStateLocked(Idle)
}

// onChannelInactive is wired into the channel at dial time and fires
// exactly once, from whichever goroutine closed the channel, whenever the
// transport becomes unusable for any reason (read/write failure or clean
// close). A failed dial never reaches it.
func (s *Session) onChannelInactive(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == ShuttingDown || s.state == Dead {
		// A deliberate Stop already closed the channel itself; this
		// notification is just the echo of that close and must not
		// route a clean shutdown through Error.
		return
	}
	s.setStateLocked(Error)
	s.setStateLocked(Dead)
	s.log.WithFields(log.Fields{"session": s.id, "cause": cause}).Warning("channel inactive, session lost")
}

// ExecuteStatement submits code for execution and returns immediately
// with a Statement whose completion slot resolves once the background
// polling task observes a result. The session transitions to Busy before
// this call returns and back to Idle (or Error, if the driver reports
// global wedging) once the result resolves.
func (s *Session) ExecuteStatement(ctx context.Context, code string) (*Statement, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	s.mu.Lock()
	if err := s.ensureRunningLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := len(s.statements)
	stmt := newStatement(id, 0, code)
	s.statements = append(s.statements, stmt)
	s.setStateLocked(Busy)
	s.touchLocked()
	s.mu.Unlock()

	s.tasks.Go(func() error {
		s.runStatement(stmt)
		return nil
	})
	return stmt, nil
}

// runStatement submits the statement's code and then polls for its
// result. Runs on its own background task; must never panic after
// ExecuteStatement has admitted the statement.
func (s *Session) runStatement(stmt *Statement) {
	ctx := context.Background()
	defer func() {
		// Paths that resolve the statement without pollStatement's own
		// transition still leave Busy once the result is in.
		s.mu.Lock()
		if s.state == Busy {
			s.setStateLocked(Idle)
		}
		s.mu.Unlock()
	}()

	reply, err := s.call(ctx, &replCode{Code: stmt.Code})
	if err != nil {
		stmt.resolve(&StatementResult{Status: StatusError, ErrorMessage: err.Error()})
		return
	}
	rc, ok := reply.(*replCodeReply)
	if !ok {
		stmt.resolve(&StatementResult{Status: StatusError, ErrorMessage: "unexpected reply to replCode"})
		return
	}
	stmt.remote = rc.StatementID
	s.pollStatement(ctx, stmt)
}

// pollStatement implements the fixed-backoff polling rule: issue
// replJobResult, sleep and repeat while the reply is null, and on a
// non-null reply inspect its status before resolving the statement.
func (s *Session) pollStatement(ctx context.Context, stmt *Statement) {
	for {
		reply, err := s.call(ctx, &replJobResult{StatementID: stmt.remote})
		if err != nil {
			// Transport error or a driver ERROR reply: this task only
			// unblocks the waiting caller. On transport loss
			// onChannelInactive (already wired at connect time) drives the
			// session's own Error -> Dead transition; otherwise
			// runStatement returns the session from Busy to Idle.
			stmt.resolve(&StatementResult{Status: StatusError, ErrorMessage: err.Error()})
			return
		}
		rjr, ok := reply.(*replJobResultReply)
		if !ok || rjr.Result == nil {
			time.Sleep(statementPollInterval)
			continue
		}

		result := rjr.Result
		wedged := result.Status == StatusError && s.queryWedged(ctx)

		s.mu.Lock()
		if wedged {
			s.setStateLocked(Error)
			s.setStateLocked(Dead)
		} else if s.state == Busy {
			s.setStateLocked(Idle)
		}
		s.mu.Unlock()
		if wedged {
			// A wedged session is discarded: release its channel, since
			// Stop is a no-op once the session is Dead.
			_ = s.channel.Close()
		}

		stmt.resolve(result)
		return
	}
}

// queryWedged asks the driver whether its interpreter is globally wedged,
// issued only after a statement came back with status "error". A
// transport failure here is treated as no signal either way: connection
// loss mid-poll is handled uniformly by onChannelInactive rather than by
// this call site guessing at the driver's state.
func (s *Session) queryWedged(ctx context.Context) bool {
	reply, err := s.call(ctx, &replState{})
	if err != nil {
		return false
	}
	rs, ok := reply.(*replStateReply)
	if !ok {
		return false
	}
	return rs.State == "error"
}

// RunJob submits an opaque binary job requesting synchronous execution
// (the driver blocks until the result is ready before replying) and
// returns the locally-assigned operation id used to track it.
func (s *Session) RunJob(ctx context.Context, payload []byte) (int64, error) {
	return s.submitJob(ctx, payload, true)
}

// SubmitJob submits an opaque binary job requesting asynchronous
// execution and returns the locally-assigned operation id.
func (s *Session) SubmitJob(ctx context.Context, payload []byte) (int64, error) {
	return s.submitJob(ctx, payload, false)
}

func (s *Session) submitJob(ctx context.Context, payload []byte, sync bool) (int64, error) {
	s.mu.Lock()
	if err := s.ensureRunningLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if s.maxOperations > 0 && len(s.operations) >= s.maxOperations {
		s.mu.Unlock()
		return 0, ErrTooManyOperations
	}
	s.touchLocked()
	s.mu.Unlock()

	reply, err := s.call(ctx, &bypassRequest{Payload: payload, Sync: sync})
	if err != nil {
		return 0, errors.Wrap(err, "bypass call failed")
	}
	br, ok := reply.(*bypassReply)
	if !ok {
		return 0, ErrUnexpectedReply
	}

	opID := s.nextOpID.Add(1)
	s.mu.Lock()
	s.operations[opID] = &Operation{ID: opID, Handle: br.Handle, Sync: sync}
	s.mu.Unlock()
	operationsTracked.Inc()
	return opID, nil
}

// JobStatus looks up opID's stored handle and blocks for the driver's
// reply describing its current state.
func (s *Session) JobStatus(ctx context.Context, opID int64) (*JobStatus, error) {
	s.mu.Lock()
	op, ok := s.operations[opID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	reply, err := s.call(ctx, &bypassJobStatus{Handle: op.Handle})
	if err != nil {
		return nil, errors.Wrap(err, "bypass job status call failed")
	}
	bjs, ok := reply.(*bypassJobStatusReply)
	if !ok {
		return nil, ErrUnexpectedReply
	}
	return &JobStatus{OpID: opID, State: bjs.State, Result: bjs.Result, Error: bjs.Error}, nil
}

// CancelJob removes opID from the operations table and, only if an entry
// existed, forwards the cancellation to the driver without waiting for an
// acknowledgement. Idempotent: cancelling an unknown or already-cancelled
// id is a no-op.
func (s *Session) CancelJob(opID int64) {
	s.mu.Lock()
	op, ok := s.operations[opID]
	if ok {
		delete(s.operations, opID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	operationsTracked.Dec()

	s.tasks.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = s.call(ctx, &cancelRequest{Handle: op.Handle})
		return nil
	})
}

// AddFile registers a file resource with the driver and waits for
// acknowledgement.
func (s *Session) AddFile(ctx context.Context, uri string) error {
	return s.addResource(ctx, &addFileRequest{URI: uri})
}

// AddJar registers a jar resource with the driver and waits for
// acknowledgement.
func (s *Session) AddJar(ctx context.Context, uri string) error {
	return s.addResource(ctx, &addJarRequest{URI: uri})
}

func (s *Session) addResource(ctx context.Context, msg interface{}) error {
	s.mu.Lock()
	if err := s.ensureRunningLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.touchLocked()
	s.mu.Unlock()

	_, err := s.call(ctx, msg)
	return errors.Wrap(err, "add resource call failed")
}

// Interrupt is equivalent to stopping the session: the current contract
// has no way to cancel a single in-flight statement.
func (s *Session) Interrupt(ctx context.Context) error { return s.Stop(ctx) }

// StopSession is an alias for Stop, kept distinct since a frontend's
// vocabulary may distinguish a user-issued stop from an interrupt.
func (s *Session) StopSession(ctx context.Context) error { return s.Stop(ctx) }

// Stop drives ShuttingDown -> Dead: it closes the channel, waits (up to a
// bounded grace period) for in-flight background tasks to finish, and
// marks the session Dead regardless of whether they did.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Dead || s.state == ShuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(ShuttingDown)
	s.mu.Unlock()

	_ = s.channel.Close()

	done := make(chan struct{})
	go func() {
		_ = s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.stopGracePeriod):
	case <-ctx.Done():
	}

	s.mu.Lock()
	if s.state != Dead {
		s.setStateLocked(Dead)
	}
	s.mu.Unlock()
	return nil
}

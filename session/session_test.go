package session

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	tdd "github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitUntilIdle(t *testing.T, sess *Session) {
	tdd.Eventually(t, func() bool { return sess.State() == Idle }, 3*time.Second, 10*time.Millisecond)
}

// Scenario 1: happy path. Execute a statement, observe the result, and
// confirm the session settles back to Idle.
func TestExecuteStatementHappyPath(t *testing.T) {
	fd := newFakeDriver()
	fd.onJobResult = func(*replJobResult) interface{} {
		return &replJobResultReply{Result: &StatementResult{Status: StatusOK, Output: "3"}}
	}
	addr := fd.listen(t)

	mgr := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mgr.CreateSession(ctx, addr, KindSpark, "alice", "", testDriverConfig())
	tdd.NoError(t, err)
	waitUntilIdle(t, sess)

	stmt, err := sess.ExecuteStatement(ctx, "1 + 2")
	tdd.NoError(t, err)

	select {
	case <-stmt.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("statement did not resolve")
	}
	tdd.Equal(t, StatusOK, stmt.Result.Status)
	tdd.Equal(t, "3", stmt.Result.Output)
	waitUntilIdle(t, sess)

	tdd.NoError(t, sess.Stop(context.Background()))
}

// Scenario 2: an execution error that does not wedge the interpreter.
// The statement resolves with status "error" and the session returns to
// Idle rather than dying.
func TestExecuteStatementErrorWithoutWedging(t *testing.T) {
	fd := newFakeDriver()
	fd.onJobResult = func(*replJobResult) interface{} {
		return &replJobResultReply{Result: &StatementResult{
			Status:       StatusError,
			ErrorName:    "NameError",
			ErrorMessage: "name 'undefined_name' is not defined",
		}}
	}
	fd.onReplState = func() interface{} { return &replStateReply{State: "ok"} }
	addr := fd.listen(t)

	mgr := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mgr.CreateSession(ctx, addr, KindSpark, "alice", "", testDriverConfig())
	tdd.NoError(t, err)
	waitUntilIdle(t, sess)

	stmt, err := sess.ExecuteStatement(ctx, "undefined_name")
	tdd.NoError(t, err)

	select {
	case <-stmt.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("statement did not resolve")
	}
	tdd.Equal(t, StatusError, stmt.Result.Status)
	waitUntilIdle(t, sess)

	tdd.NoError(t, sess.Stop(context.Background()))
}

// Scenario 3: an execution error that does wedge the interpreter. The
// session moves to Error then Dead instead of returning to Idle.
func TestExecuteStatementErrorWedgesInterpreter(t *testing.T) {
	fd := newFakeDriver()
	fd.onJobResult = func(*replJobResult) interface{} {
		return &replJobResultReply{Result: &StatementResult{Status: StatusError, ErrorMessage: "fatal"}}
	}
	fd.onReplState = func() interface{} { return &replStateReply{State: "error"} }
	addr := fd.listen(t)

	mgr := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mgr.CreateSession(ctx, addr, KindSpark, "alice", "", testDriverConfig())
	tdd.NoError(t, err)
	waitUntilIdle(t, sess)

	stmt, err := sess.ExecuteStatement(ctx, "poison()")
	tdd.NoError(t, err)

	select {
	case <-stmt.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("statement did not resolve")
	}
	tdd.Equal(t, StatusError, stmt.Result.Status)
	tdd.Eventually(t, func() bool { return sess.State() == Dead }, 3*time.Second, 10*time.Millisecond)
}

// Scenario 4: a statement submitted before the session leaves Starting is
// rejected synchronously, and no replCode call ever reaches the driver.
func TestExecuteStatementRejectedWhileStarting(t *testing.T) {
	fd := newFakeDriver()
	releasePing := make(chan struct{})
	fd.onPing = func() interface{} {
		<-releasePing
		return &ack{}
	}
	var replCodeCalls int32
	fd.onReplCode = func(*replCode) interface{} {
		atomic.AddInt32(&replCodeCalls, 1)
		return &replCodeReply{StatementID: 1}
	}
	addr := fd.listen(t)

	mgr := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mgr.CreateSession(ctx, addr, KindSpark, "alice", "", testDriverConfig())
	tdd.NoError(t, err)
	tdd.Equal(t, Starting, sess.State())

	_, err = sess.ExecuteStatement(ctx, "1 + 1")
	tdd.ErrorIs(t, err, ErrNotRunning)
	tdd.EqualValues(t, 0, atomic.LoadInt32(&replCodeCalls))

	close(releasePing)
	waitUntilIdle(t, sess)
	tdd.NoError(t, sess.Stop(context.Background()))
}

// Scenario 5: cancelling a submitted job before its status is ever polled.
// The cancellation reaches the driver exactly once, and a subsequent
// JobStatus lookup fails since the local entry is already gone.
func TestCancelJobBeforeStatusLookup(t *testing.T) {
	fd := newFakeDriver()
	fd.onBypass = func(*bypassRequest) interface{} { return &bypassReply{Handle: "handle-7"} }
	var cancelCalls int32
	cancelSeen := make(chan struct{}, 1)
	fd.onCancel = func(req *cancelRequest) interface{} {
		atomic.AddInt32(&cancelCalls, 1)
		cancelSeen <- struct{}{}
		return &ack{}
	}
	addr := fd.listen(t)

	mgr := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mgr.CreateSession(ctx, addr, KindSpark, "alice", "", testDriverConfig())
	tdd.NoError(t, err)
	waitUntilIdle(t, sess)

	opID, err := sess.SubmitJob(ctx, []byte("job payload"))
	tdd.NoError(t, err)

	sess.CancelJob(opID)
	sess.CancelJob(opID) // idempotent: the second call is a no-op

	select {
	case <-cancelSeen:
	case <-time.After(3 * time.Second):
		t.Fatal("cancellation never reached the driver")
	}
	tdd.EqualValues(t, 1, atomic.LoadInt32(&cancelCalls))

	_, err = sess.JobStatus(ctx, opID)
	tdd.ErrorIs(t, err, ErrNotFound)

	tdd.NoError(t, sess.Stop(context.Background()))
}

// Scenario 6: the driver vanishes mid-statement. The pending completion
// fails, the session dies, and subsequent operations are rejected at
// admission rather than attempted over a dead channel.
func TestChannelDeathMidStatement(t *testing.T) {
	fd := newFakeDriver()
	fd.onJobResult = func(*replJobResult) interface{} {
		_ = fd.conn.Close()
		return &replJobResultReply{}
	}
	addr := fd.listen(t)

	mgr := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mgr.CreateSession(ctx, addr, KindSpark, "alice", "", testDriverConfig())
	tdd.NoError(t, err)
	waitUntilIdle(t, sess)

	stmt, err := sess.ExecuteStatement(ctx, "loop forever")
	tdd.NoError(t, err)

	select {
	case <-stmt.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("statement did not resolve after channel death")
	}
	tdd.Equal(t, StatusError, stmt.Result.Status)
	tdd.Eventually(t, func() bool { return sess.State() == Dead }, 3*time.Second, 10*time.Millisecond)

	_, err = sess.ExecuteStatement(ctx, "anything")
	tdd.ErrorIs(t, err, ErrNotRunning)
}

// Scenario 7: the remote accepts the connection but never answers the
// SASL handshake. CreateSession fails synchronously with the handshake
// timeout; no Session is ever produced, so none is ever observed leaving
// Starting.
func TestCreateSessionHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tdd.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = io.Copy(io.Discard, conn) // never answers; returns once the client gives up and closes
	}()

	mgr := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cfg := testDriverConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	_, err = mgr.CreateSession(ctx, ln.Addr().String(), KindSpark, "alice", "", cfg)
	tdd.Error(t, err)
}

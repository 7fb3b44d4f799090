package session

import "github.com/bryk-io/rsc-session/net/rpc"

// Wire payload types exchanged with the remote driver over an
// authenticated rpc.Channel. Every type here is registered with the
// channel's codec in init so gob can encode/decode it by name; see
// net/rpc/codec.go for why gob fills the role of the spec's
// name-keyed registration scheme.
func init() {
	rpc.RegisterPayload(&replCode{})
	rpc.RegisterPayload(&replCodeReply{})
	rpc.RegisterPayload(&replJobResult{})
	rpc.RegisterPayload(&replJobResultReply{})
	rpc.RegisterPayload(&replState{})
	rpc.RegisterPayload(&replStateReply{})
	rpc.RegisterPayload(&bypassRequest{})
	rpc.RegisterPayload(&bypassReply{})
	rpc.RegisterPayload(&bypassJobStatus{})
	rpc.RegisterPayload(&bypassJobStatusReply{})
	rpc.RegisterPayload(&cancelRequest{})
	rpc.RegisterPayload(&addFileRequest{})
	rpc.RegisterPayload(&addJarRequest{})
	rpc.RegisterPayload(&ping{})
	rpc.RegisterPayload(&ack{})
}

// replCode submits a REPL statement's source text for execution.
type replCode struct {
	Code string
}

type replCodeReply struct {
	StatementID int
}

// replJobResult polls for a previously submitted statement's result. The
// driver replies with replJobResultReply{Result: nil} while the statement
// is still running.
type replJobResult struct {
	StatementID int
}

type replJobResultReply struct {
	Result *StatementResult
}

// replState asks the driver to report its interpreter's global state,
// used after an execution error to decide whether the driver is wedged.
type replState struct{}

type replStateReply struct {
	State string // "ok" or "error"
}

// bypassRequest submits an opaque binary job, the programmatic
// counterpart to replCode.
type bypassRequest struct {
	Payload []byte
	Sync    bool
}

type bypassReply struct {
	Handle string
}

// bypassJobStatus polls a previously submitted job by its driver-assigned
// handle.
type bypassJobStatus struct {
	Handle string
}

type bypassJobStatusReply struct {
	State  string
	Result []byte
	Error  string
}

// cancelRequest is fire-and-forget for the caller of CancelJob: the call
// runs on a background task, and whatever the driver replies is ignored.
type cancelRequest struct {
	Handle string
}

type addFileRequest struct {
	URI string
}

type addJarRequest struct {
	URI string
}

// ping is the trivial readiness probe issued once after a successful
// handshake to confirm the interpreter is actually responsive.
type ping struct{}

// ack is the generic acknowledgement reply shared by addFile, addJar and
// ping.
type ack struct{}

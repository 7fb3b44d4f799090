package session

import (
	"fmt"
	"net"
	"testing"

	"github.com/bryk-io/rsc-session/net/rpc"
	tdd "github.com/stretchr/testify/assert"
	"github.com/xdg-go/scram"
)

const (
	testClientID = "mgr-test"
	testSecret   = "s3cr3t-test"
)

func testDriverConfig() DriverConfig {
	return DriverConfig{ClientID: testClientID, SharedSecret: []byte(testSecret)}
}

// fakeDriver stands in for the out-of-scope remote driver process: it
// speaks the real wire protocol (SASL handshake, then CALL/REPLY framing)
// over a real TCP socket, so a Session under test exercises package rpc
// exactly as it would against a genuine driver. Tests configure its
// onXxx hooks before calling listen; the accept goroutine only reads
// them afterwards, so there is no data race.
type fakeDriver struct {
	conn  net.Conn
	codec *rpc.Codec

	onPing      func() interface{}
	onReplCode  func(*replCode) interface{}
	onJobResult func(*replJobResult) interface{}
	onReplState func() interface{}
	onBypass    func(*bypassRequest) interface{}
	onJobStatus func(*bypassJobStatus) interface{}
	onCancel    func(*cancelRequest) interface{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{}
}

// listen starts a TCP listener and accepts exactly one connection on a
// background goroutine, running the SASL handshake and then serving
// CALL frames until the connection closes.
func (f *fakeDriver) listen(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tdd.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		f.conn = conn
		f.codec = rpc.NewCodec(conn, 0)
		if err := f.handshake(); err != nil {
			return
		}
		f.serve()
	}()
	return ln.Addr().String()
}

func (f *fakeDriver) handshake() error {
	server, err := scram.SHA256.NewServer(func(user string) (scram.StoredCredentials, error) {
		if user != testClientID {
			return scram.StoredCredentials{}, fmt.Errorf("unknown client id %q", user)
		}
		client, err := scram.SHA256.NewClient(user, testSecret, "")
		if err != nil {
			return scram.StoredCredentials{}, err
		}
		return client.GetStoredCredentials(scram.KeyFactors{Salt: "session-test-salt", Iters: 4096}), nil
	})
	if err != nil {
		return err
	}
	conv := server.NewConversation()

	msg, err := f.codec.ReadMessage()
	if err != nil {
		return err
	}
	sm, ok := msg.(*rpc.SaslMessage)
	if !ok {
		return fmt.Errorf("expected initial sasl message, got %T", msg)
	}

	for {
		resp, err := conv.Step(string(sm.Payload))
		if err != nil {
			return err
		}
		if err := f.codec.WriteMessage(&rpc.SaslMessage{Payload: []byte(resp)}); err != nil {
			return err
		}
		if conv.Done() {
			return nil
		}
		msg, err = f.codec.ReadMessage()
		if err != nil {
			return err
		}
		sm, ok = msg.(*rpc.SaslMessage)
		if !ok {
			return fmt.Errorf("expected sasl message, got %T", msg)
		}
	}
}

func (f *fakeDriver) serve() {
	for {
		hdr, err := f.codec.ReadMessage()
		if err != nil {
			return
		}
		header, ok := hdr.(*rpc.MessageHeader)
		if !ok {
			return
		}
		payload, err := f.codec.ReadMessage()
		if err != nil {
			return
		}
		reply := f.dispatch(payload)
		if err := f.codec.WriteMessage(&rpc.MessageHeader{ID: header.ID, Type: rpc.ReplyMessage}); err != nil {
			return
		}
		_ = f.codec.WriteMessage(reply)
	}
}

func (f *fakeDriver) dispatch(payload interface{}) interface{} {
	switch p := payload.(type) {
	case *ping:
		if f.onPing != nil {
			return f.onPing()
		}
		return &ack{}
	case *replCode:
		if f.onReplCode != nil {
			return f.onReplCode(p)
		}
		return &replCodeReply{StatementID: 1}
	case *replJobResult:
		if f.onJobResult != nil {
			return f.onJobResult(p)
		}
		return &replJobResultReply{}
	case *replState:
		if f.onReplState != nil {
			return f.onReplState()
		}
		return &replStateReply{State: "ok"}
	case *bypassRequest:
		if f.onBypass != nil {
			return f.onBypass(p)
		}
		return &bypassReply{Handle: "handle-1"}
	case *bypassJobStatus:
		if f.onJobStatus != nil {
			return f.onJobStatus(p)
		}
		return &bypassJobStatusReply{State: "done"}
	case *cancelRequest:
		if f.onCancel != nil {
			return f.onCancel(p)
		}
		return &ack{}
	default:
		return &ack{}
	}
}

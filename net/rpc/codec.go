package rpc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"sync"

	"go.bryk.io/pkg/errors"
)

// defaultMaxMessageSize bounds a single encoded frame when no explicit
// limit is configured, guarding against a misbehaving peer driving
// unbounded memory growth.
const defaultMaxMessageSize = 32 << 20 // 32MiB

func init() {
	gob.Register(&MessageHeader{})
	gob.Register(&NullMessage{})
	gob.Register(&SaslMessage{})
	gob.Register(&errorPayload{})
}

// envelope carries a single logical value across the wire. Wrapping every
// payload in an envelope lets the codec rely on gob's own name-tagged
// interface encoding as the "registration map {class-name -> codec}" the
// protocol needs for its closed sum of system frames plus an open set of
// application payloads (statement/job messages registered by callers via
// RegisterPayload).
type envelope struct {
	Value interface{}
}

// RegisterPayload registers an application-level message type so it can be
// carried as a CALL/REPLY/ERROR payload. It must be called (directly or
// transitively, e.g. from an init func in the caller's package) before any
// value of that type is sent or received. Mirrors gob.Register; payloads
// must be pointers to structs whose fields to be carried are exported.
func RegisterPayload(value interface{}) {
	gob.Register(value)
}

// Codec frames logical messages with a 4-byte big-endian length prefix
// and gob-encodes their contents. Each frame is encoded/decoded with its
// own fresh gob.Encoder/Decoder against the envelope wrapper, so every
// frame is independently self-describing and decodable on its own.
//
// Codec is exported, beyond Channel's own use of it, so a test (or an
// alternative driver-side implementation) can speak the exact same wire
// protocol without reaching into package internals - see net/rpc and
// session's test doubles for the fake-driver pattern this enables.
type Codec struct {
	mu      sync.Mutex
	w       io.Writer
	r       io.Reader
	maxSize uint32
	wrap    func([]byte) ([]byte, error)
	unwrap  func([]byte) ([]byte, error)
}

// NewCodec wraps rw in a Codec. maxSize of zero selects defaultMaxMessageSize.
func NewCodec(rw io.ReadWriter, maxSize uint32) *Codec {
	if maxSize == 0 {
		maxSize = defaultMaxMessageSize
	}
	return &Codec{w: rw, r: rw, maxSize: maxSize}
}

// setWrapUnwrap installs SASL QoP interposers. Once installed, every frame
// written/read after this point (aside from raw SASL frames, which never
// pass through the codec after the handshake completes) is sealed/unsealed
// accordingly.
func (c *Codec) setWrapUnwrap(wrap, unwrap func([]byte) ([]byte, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrap = wrap
	c.unwrap = unwrap
}

// WriteMessage encodes and frames a single value.
func (c *Codec) WriteMessage(v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&envelope{Value: v}); err != nil {
		return errors.WithStack(err)
	}
	payload := buf.Bytes()

	c.mu.Lock()
	wrap := c.wrap
	c.mu.Unlock()
	if wrap != nil {
		var err error
		payload, err = wrap(payload)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	if uint32(len(payload)) > c.maxSize {
		return errors.Errorf("message of %d bytes exceeds max size %d", len(payload), c.maxSize)
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := c.w.Write(length[:]); err != nil {
		return errors.WithStack(err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ReadMessage blocks until a full framed value is available and decodes it.
func (c *Codec) ReadMessage() (interface{}, error) {
	var length [4]byte
	if _, err := io.ReadFull(c.r, length[:]); err != nil {
		return nil, err // EOF/closed propagated as-is
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > c.maxSize {
		return nil, errors.Errorf("incoming message of %d bytes exceeds max size %d", size, c.maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}

	c.mu.Lock()
	unwrap := c.unwrap
	c.mu.Unlock()
	if unwrap != nil {
		var err error
		payload, err = unwrap(payload)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return nil, errors.WithStack(err)
	}
	return env.Value, nil
}

package rpc

// MessageType identifies the purpose of the MessageHeader a payload is
// paired with. Values are a closed sum; new call-and-reply pairs are added
// by registering new payload types, never by extending this enum.
type MessageType uint8

const (
	// CallMessage marks an outbound invocation. Always followed by the
	// call's argument payload.
	CallMessage MessageType = iota

	// ReplyMessage marks a successful response. Always followed by the
	// reply payload (NullMessage if the call has no meaningful result).
	ReplyMessage

	// ErrorMessage marks a failed response. Always followed by an
	// error payload describing the failure.
	ErrorMessage
)

func (t MessageType) String() string {
	switch t {
	case CallMessage:
		return "call"
	case ReplyMessage:
		return "reply"
	case ErrorMessage:
		return "error"
	default:
		return "unknown"
	}
}

// MessageHeader always precedes a logical message's payload on the wire.
// ID correlates a REPLY/ERROR back to the CALL that produced it.
type MessageHeader struct {
	ID   int64
	Type MessageType
}

// NullMessage is the canonical empty payload, used whenever a call or
// reply carries no data of its own.
type NullMessage struct{}

// SaslMessage carries one leg of the SASL handshake exchange. ClientID is
// only set on the very first message the client sends; every subsequent
// SaslMessage (in either direction) carries payload only.
type SaslMessage struct {
	ClientID string
	Payload  []byte
}

// errorPayload is the concrete type carried by ErrorMessage frames.
type errorPayload struct {
	Message string
}

func (e *errorPayload) Error() string { return e.Message }

package session

import "time"

// Kind identifies the interpreter family hosted by a remote driver.
type Kind string

// Supported driver kinds.
const (
	KindSpark   Kind = "spark"
	KindPyspark Kind = "pyspark"
	KindSparkR  Kind = "sparkr"
)

// DriverConfig carries the values a Manager needs to dial and authenticate
// a remote driver's channel. Field names mirror the configuration keys a
// frontend is expected to supply; ReplJarsPath, DriverClasspath and the
// environment variables a driver process reads are out of scope here and
// are the launcher's concern, not the channel's, but the fields are kept
// so a frontend can pass them straight through to that collaborator.
type DriverConfig struct {
	// ClientID and SharedSecret authenticate this manager to the driver
	// during the SASL handshake.
	ClientID     string
	SharedSecret []byte

	// ConnectTimeout bounds the initial TCP dial.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds the SASL exchange, independent of
	// ConnectTimeout.
	HandshakeTimeout time.Duration

	// MaxMessageSize caps a single codec frame; zero selects the
	// transport's default.
	MaxMessageSize uint32

	// ReplJarsPath and DriverClasspath are passed through unmodified to
	// the (out-of-scope) launcher; the channel never reads them.
	ReplJarsPath    string
	DriverClasspath string
}

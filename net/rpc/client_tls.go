package rpc

import (
	"crypto/tls"
	"crypto/x509"

	"go.bryk.io/pkg/errors"
)

// ClientTLSConfig defines the configuration options available when
// wrapping the raw socket in TLS prior to the SASL handshake.
type ClientTLSConfig struct {
	// Whether to include system CAs.
	IncludeSystemCAs bool

	// Custom certificate authorities to include when verifying the peer.
	CustomCAs [][]byte

	// ServerName overrides the expected server certificate name; mainly
	// useful in tests.
	ServerName string

	// ClientCertificate and ClientKey, when both set, present a client
	// certificate during the TLS handshake for drivers configured to
	// require mutual TLS ahead of the SASL exchange.
	ClientCertificate []byte
	ClientKey         []byte

	// InsecureSkipVerify disables certificate verification entirely. Only
	// meant for testing.
	InsecureSkipVerify bool
}

// clientTLSConf builds a *tls.Config from the provided options.
func clientTLSConf(opts ClientTLSConfig) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify, // nolint:gosec // opt-in, test-only knob
	}

	var err error
	var cp *x509.CertPool
	if opts.IncludeSystemCAs {
		cp, err = x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load system CAs")
		}
	} else {
		cp = x509.NewCertPool()
	}

	for _, c := range opts.CustomCAs {
		if !cp.AppendCertsFromPEM(c) {
			return nil, errors.New("failed to append provided CA certificate")
		}
	}
	conf.RootCAs = cp

	if len(opts.ClientCertificate) > 0 || len(opts.ClientKey) > 0 {
		cert, err := LoadCertificate(opts.ClientCertificate, opts.ClientKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	return conf, nil
}

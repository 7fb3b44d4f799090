package rpc

import (
	"crypto/tls"

	"go.bryk.io/pkg/errors"
)

// LoadCertificate provides a helper method to conveniently parse an
// existing certificate and corresponding private key.
func LoadCertificate(cert []byte, key []byte) (tls.Certificate, error) {
	c, err := tls.X509KeyPair(cert, key)
	return c, errors.Wrap(err, "failed to load key pair")
}

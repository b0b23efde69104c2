package gotls

import (
	"crypto"
	"crypto/x509"
	"errors"

	_ "crypto/sha256"
	_ "crypto/sha512"

	"tlsbridge/pkg/engine"
)

// ChannelBinding returns RFC 5929 tls-server-end-point data: the server
// certificate hashed with its signature hash, MD5 and SHA-1 upgraded to
// SHA-256.
func (e *Engine) ChannelBinding() ([]byte, error) {
	if !e.handshakeDone {
		return nil, errors.New("gotls: handshake not complete")
	}
	var leaf *x509.Certificate
	if e.role == engine.Client {
		if certs := e.conn.ConnectionState().PeerCertificates; len(certs) > 0 {
			leaf = certs[0]
		}
	} else if len(e.localCert) > 0 {
		c, err := x509.ParseCertificate(e.localCert)
		if err != nil {
			return nil, err
		}
		leaf = c
	}
	if leaf == nil {
		return nil, errors.New("gotls: no server certificate")
	}
	return endPoint(leaf), nil
}

func endPoint(c *x509.Certificate) []byte {
	h := crypto.SHA256
	switch c.SignatureAlgorithm {
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		h = crypto.SHA384
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		h = crypto.SHA512
	}
	d := h.New()
	d.Write(c.Raw)
	return d.Sum(nil)
}

package gotls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"

	"tlsbridge/pkg/tlserr"
)

var (
	handshakeFailures = []string{
		"handshake failure",
		"protocol version",
		"insufficient security",
		"no cipher suite supported",
		"no mutual cipher suite",
		"unsupported versions",
		"no supported versions",
		"no application protocol",
		"client offered only unsupported versions",
	}
	certificateFailures = []string{
		"bad certificate",
		"unknown certificate authority",
		"certificate required",
		"certificate expired",
		"certificate revoked",
		"certificate unknown",
		"unsupported certificate",
		"didn't provide a certificate",
		"access denied",
	}
)

// Classify maps a crypto/tls error to a failure kind.
func Classify(err error) tlserr.Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, io.EOF) {
		return tlserr.KindClosedByPeer
	}
	var cve *tls.CertificateVerificationError
	var uae x509.UnknownAuthorityError
	var he x509.HostnameError
	var cie x509.CertificateInvalidError
	if errors.As(err, &cve) || errors.As(err, &uae) || errors.As(err, &he) || errors.As(err, &cie) {
		return tlserr.KindCertificateRejected
	}
	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) {
		return tlserr.KindProtocol
	}
	if errors.Is(err, net.ErrClosed) {
		return tlserr.KindInternal
	}
	msg := err.Error()
	for _, s := range certificateFailures {
		if strings.Contains(msg, s) {
			return tlserr.KindCertificateRejected
		}
	}
	for _, s := range handshakeFailures {
		if strings.Contains(msg, s) {
			return tlserr.KindHandshakeFailed
		}
	}
	if strings.Contains(msg, "tls:") {
		return tlserr.KindProtocol
	}
	return tlserr.KindInternal
}

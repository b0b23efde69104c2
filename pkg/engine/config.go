package engine

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// Config is the engine configuration boundary. The driver passes it through
// without interpreting it.
type Config struct {
	// CertificateChain and PrivateKey are PEM encoded.
	CertificateChain []byte
	PrivateKey       []byte
	// RootCertificates (PEM) are trusted in addition to the system pool, or
	// instead of it with DisableBuiltInRoots.
	RootCertificates    []byte
	DisableBuiltInRoots bool
	VerifyPeer          bool
	// AcceptInvalidHostnames keeps chain verification but skips the
	// ServerName check. Ignored without VerifyPeer.
	AcceptInvalidHostnames bool
	// MinProtocolVersion and MaxProtocolVersion are "1.0", "1.1", "1.2" or
	// "1.3". Empty means the engine default.
	MinProtocolVersion string
	MaxProtocolVersion string
	// CipherList names suites in preference order. Empty means the engine default.
	CipherList []string
	ServerName string
	// UseSNI sends ServerName in the ClientHello.
	UseSNI     bool
	NextProtos []string
}

// DefaultConfig returns a verifying configuration that sends SNI.
func DefaultConfig() Config {
	return Config{VerifyPeer: true, UseSNI: true}
}

// ParseVersion maps "1.0".."1.3" (or "tls1.2" style) to a crypto/tls version.
func ParseVersion(s string) (uint16, error) {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "tls")
	v = strings.TrimPrefix(v, "v")
	switch v {
	case "":
		return 0, nil
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("engine: unknown protocol version %q", s)
}

// VersionName is the inverse of ParseVersion.
func VersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "1.0"
	case tls.VersionTLS11:
		return "1.1"
	case tls.VersionTLS12:
		return "1.2"
	case tls.VersionTLS13:
		return "1.3"
	}
	return fmt.Sprintf("0x%04x", v)
}

// MustVersion is ParseVersion for constant inputs.
func MustVersion(s string) uint16 {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

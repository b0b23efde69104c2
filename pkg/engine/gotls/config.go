package gotls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"tlsbridge/pkg/engine"
)

// BuildConfig translates the engine configuration boundary to a tls.Config.
func BuildConfig(role engine.Role, cfg engine.Config) (*tls.Config, error) {
	tc := &tls.Config{NextProtos: cfg.NextProtos}

	if len(cfg.CertificateChain) > 0 || len(cfg.PrivateKey) > 0 {
		cert, err := tls.X509KeyPair(cfg.CertificateChain, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("gotls: load key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	} else if role == engine.Server {
		return nil, errors.New("gotls: server requires certificate_chain and private_key")
	}

	roots, err := rootPool(cfg)
	if err != nil {
		return nil, err
	}

	minV, err := engine.ParseVersion(cfg.MinProtocolVersion)
	if err != nil {
		return nil, err
	}
	maxV, err := engine.ParseVersion(cfg.MaxProtocolVersion)
	if err != nil {
		return nil, err
	}
	if minV != 0 && maxV != 0 && maxV < minV {
		return nil, fmt.Errorf("gotls: max version %s below min version %s", engine.VersionName(maxV), engine.VersionName(minV))
	}
	tc.MinVersion, tc.MaxVersion = minV, maxV

	suites, err := CipherSuites(cfg.CipherList)
	if err != nil {
		return nil, err
	}
	tc.CipherSuites = suites

	if role == engine.Server {
		if cfg.VerifyPeer {
			tc.ClientAuth = tls.RequireAndVerifyClientCert
			tc.ClientCAs = roots
		}
		return tc, nil
	}

	tc.RootCAs = roots
	if cfg.UseSNI {
		tc.ServerName = cfg.ServerName
	}
	switch {
	case !cfg.VerifyPeer:
		tc.InsecureSkipVerify = true
	case cfg.AcceptInvalidHostnames:
		tc.InsecureSkipVerify = true
		tc.VerifyConnection = verifyChain("", roots)
	case !cfg.UseSNI:
		// Verify against ServerName without sending it.
		tc.InsecureSkipVerify = true
		tc.VerifyConnection = verifyChain(cfg.ServerName, roots)
	}
	return tc, nil
}

// rootPool is nil (the system pool) unless roots are configured or the
// built-in roots are disabled. Configured roots extend the system pool.
func rootPool(cfg engine.Config) (*x509.CertPool, error) {
	if len(cfg.RootCertificates) == 0 && !cfg.DisableBuiltInRoots {
		return nil, nil
	}
	var roots *x509.CertPool
	if !cfg.DisableBuiltInRoots {
		if sys, err := x509.SystemCertPool(); err == nil {
			roots = sys.Clone()
		}
	}
	if roots == nil {
		roots = x509.NewCertPool()
	}
	if len(cfg.RootCertificates) > 0 && !roots.AppendCertsFromPEM(cfg.RootCertificates) {
		return nil, errors.New("gotls: no certificates found in root_certificates")
	}
	return roots, nil
}

// verifyChain verifies the peer chain against roots, and against name unless
// it is empty.
func verifyChain(name string, roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("tls: server presented no certificate")
		}
		inter := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			DNSName:       name,
			Roots:         roots,
			Intermediates: inter,
		})
		if err != nil {
			return &tls.CertificateVerificationError{UnverifiedCertificates: cs.PeerCertificates, Err: err}
		}
		return nil
	}
}

// CipherSuites resolves IANA suite names. TLS 1.3 suites are accepted but
// not configurable in crypto/tls, so they do not restrict the result.
func CipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := map[string]*tls.CipherSuite{}
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s
	}
	for _, s := range tls.InsecureCipherSuites() {
		byName[s.Name] = s
	}
	var ids []uint16
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("gotls: unknown cipher suite %q", n)
		}
		if len(s.SupportedVersions) == 1 && s.SupportedVersions[0] == tls.VersionTLS13 {
			continue
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

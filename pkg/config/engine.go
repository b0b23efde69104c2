package config

import (
	"fmt"
	"os"

	"tlsbridge/pkg/engine"
)

// EngineConfig selects the TLS engine and its configuration boundary.
// VerifyPeer applies to clients; ClientAuth makes servers require and verify
// client certificates.
// Example YAML:
// engine:
//
//	name: gotls
//	cert_file: certs/server.pem
//	key_file: certs/server.key
//	root_ca_file: certs/ca.pem
//	disable_built_in_roots: false
//	verify_peer: true
//	accept_invalid_hostnames: false
//	client_auth: false
//	min_protocol_version: "1.2"
//	max_protocol_version: "1.3"
//	cipher_list: [TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256]
//	server_name: bridge.example
type EngineConfig struct {
	// Name is a registered engine: gotls or sim.
	Name                   string   `mapstructure:"name"`
	CertFile               string   `mapstructure:"cert_file"`
	KeyFile                string   `mapstructure:"key_file"`
	RootCAFile             string   `mapstructure:"root_ca_file"`
	DisableBuiltInRoots    bool     `mapstructure:"disable_built_in_roots"`
	VerifyPeer             bool     `mapstructure:"verify_peer"`
	AcceptInvalidHostnames bool     `mapstructure:"accept_invalid_hostnames"`
	ClientAuth             bool     `mapstructure:"client_auth"`
	MinVersion             string   `mapstructure:"min_protocol_version"`
	MaxVersion             string   `mapstructure:"max_protocol_version"`
	CipherList             []string `mapstructure:"cipher_list"`
	ServerName             string   `mapstructure:"server_name"`
	UseSNI                 bool     `mapstructure:"use_sni"`
	NextProtos             []string `mapstructure:"next_protos"`
}

// TLS reads the PEM files and returns the engine configuration for role.
func (e EngineConfig) TLS(role engine.Role) (engine.Config, error) {
	verify := e.VerifyPeer
	if role == engine.Server {
		verify = e.ClientAuth
	}
	cfg := engine.Config{
		DisableBuiltInRoots:    e.DisableBuiltInRoots,
		VerifyPeer:             verify,
		AcceptInvalidHostnames: e.AcceptInvalidHostnames,
		MinProtocolVersion:     e.MinVersion,
		MaxProtocolVersion:     e.MaxVersion,
		CipherList:             e.CipherList,
		ServerName:             e.ServerName,
		UseSNI:                 e.UseSNI,
		NextProtos:             e.NextProtos,
	}
	var err error
	if cfg.CertificateChain, err = readPEM("engine.cert_file", e.CertFile); err != nil {
		return engine.Config{}, err
	}
	if cfg.PrivateKey, err = readPEM("engine.key_file", e.KeyFile); err != nil {
		return engine.Config{}, err
	}
	if cfg.RootCertificates, err = readPEM("engine.root_ca_file", e.RootCAFile); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

func readPEM(key, path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

package config

import "time"

// TransportConfig describes the byte transport.
// Example YAML:
// transport:
//
//	kind: tcp            # tcp, quic, winpipe
//	address: 10.0.0.2:8443
//	proxy: socks5://127.0.0.1:1080
//	read_timeout: 30s
type TransportConfig struct {
	Kind    string `mapstructure:"kind"`
	Address string `mapstructure:"address"`
	// Proxy is an optional SOCKS5 URL for tcp dials.
	Proxy        string        `mapstructure:"proxy"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	DialAttempts         int `mapstructure:"dial_attempts"`
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tlsbridge/pkg/config"
	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/engine/gotls"
	"tlsbridge/pkg/engines"
	"tlsbridge/pkg/observability"
	"tlsbridge/pkg/stream"
)

var (
	// Global flags
	cfgFile       string
	engineName    string
	transportKind string
	address       string
	logLevel      string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tlsbridge",
	Short: "TLS over pluggable transports and engines",
	Long: `tlsbridge runs TLS sessions over TCP, QUIC streams, Windows named pipes
or an in-memory pipe, with either the crypto/tls engine or the simulated
engine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if engineName != "" {
			c.Engine.Name = engineName
		}
		if transportKind != "" {
			c.Transport.Kind = transportKind
		}
		if address != "" {
			c.Transport.Address = address
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		l, err := observability.SetupLogger(c.Log)
		if err != nil {
			return fmt.Errorf("failed to setup logger: %w", err)
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tlsbridge.yaml or $TLSBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&engineName, "engine", "", "TLS engine: gotls or sim")
	rootCmd.PersistentFlags().StringVar(&transportKind, "transport", "", "transport kind: tcp, quic or winpipe")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "address to dial or listen on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func streamOptions(c *config.Config) stream.Options {
	opts := stream.DefaultOptions()
	opts.WaitPeerClose = c.Shutdown.WaitPeer
	opts.CloseNotifyAttempts = c.Shutdown.CloseNotifyAttempts
	opts.CloseNotifyTimeout = c.Shutdown.CloseNotifyTimeout
	opts.Logger = logger
	return opts
}

// builder resolves the configured engine. A gotls server without a
// certificate gets a self-signed one for engine.server_name, which the
// client side trusts when it runs in the same process.
func builder(c *config.Config, server bool) (*engines.Builder, error) {
	b, err := engines.FromConfig(c)
	if err != nil {
		return nil, err
	}
	if !server || b.Name != "gotls" || len(b.Server.CertificateChain) > 0 {
		return b, nil
	}
	host := c.Engine.ServerName
	if host == "" {
		host = "localhost"
	}
	certPEM, keyPEM, err := gotls.SelfSigned(host)
	if err != nil {
		return nil, fmt.Errorf("self-signed certificate: %w", err)
	}
	b.Server.CertificateChain, b.Server.PrivateKey = certPEM, keyPEM
	b.Client.RootCertificates = append(b.Client.RootCertificates, certPEM...)
	logger.Warn("no certificate configured; using a self-signed one", zap.String("host", host))
	return b, nil
}

func describe(st engine.ConnectionState) string {
	s := fmt.Sprintf("version=%s cipher=%s", st.Version, st.CipherSuite)
	if st.PeerIdentity != "" {
		s += " peer=" + st.PeerIdentity
	}
	if st.NegotiatedProtocol != "" {
		s += " alpn=" + st.NegotiatedProtocol
	}
	return s
}

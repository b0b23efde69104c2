package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tlsbridge/pkg/server"
	"tlsbridge/pkg/transports"
)

var serveHandshakeTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept TLS connections and echo application data",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := builder(cfg, true)
		if err != nil {
			return err
		}
		l, err := transports.Listen(ctx, cfg.Transport)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		defer l.Close()
		srv := server.New(l, b, server.Options{
			Stream:           streamOptions(cfg),
			HandshakeTimeout: serveHandshakeTimeout,
			Logger:           logger,
		})
		fmt.Fprintf(cmd.OutOrStdout(), "listening on %s (%s, engine %s)\n", srv.Addr(), cfg.Transport.Kind, b.Name)
		err = srv.Serve(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "served %d connections, %d failed\n", srv.Accepted(), srv.Failed())
		return err
	},
}

func init() {
	serveCmd.Flags().DurationVar(&serveHandshakeTimeout, "handshake-timeout", 10*time.Second, "per-connection handshake bound (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

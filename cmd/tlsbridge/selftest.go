package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tlsbridge/pkg/driver"
	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/server"
	"tlsbridge/pkg/stream"
	"tlsbridge/pkg/transport/mem"
)

var (
	selftestBytes      int
	selftestReadChunk  int
	selftestWriteChunk int
	selftestTimeout    time.Duration
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run client and server over an in-memory pipe with fault injection",
	Long: `selftest connects a client and a server engine through an in-memory pipe
that fragments reads and shortens writes, echoes a payload, shuts both sides
down and prints the transfer statistics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), selftestTimeout)
		defer cancel()
		cs, ss, err := selftest(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIDE\tWIRE IN\tWIRE OUT\tPLAIN IN\tPLAIN OUT\tREADS\tWRITES\tROUND TRIPS")
		for _, r := range []struct {
			side string
			st   driver.Stats
		}{{"client", cs}, {"server", ss}} {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", r.side, r.st.BytesIn, r.st.BytesOut,
				r.st.PlaintextIn, r.st.PlaintextOut, r.st.TransportReads, r.st.TransportWrites, r.st.RoundTrips)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "selftest ok: %d bytes echoed with engine %s\n", selftestBytes, cfg.Engine.Name)
		return nil
	},
}

func selftest(ctx context.Context) (client, srv driver.Stats, err error) {
	b, err := builder(cfg, true)
	if err != nil {
		return client, srv, err
	}
	ce, err := b.New(engine.Client, logger.With(zap.String("side", "client")))
	if err != nil {
		return client, srv, err
	}
	se, err := b.New(engine.Server, logger.With(zap.String("side", "server")))
	if err != nil {
		_ = ce.Close()
		return client, srv, err
	}
	faults := mem.Options{ReadChunk: selftestReadChunk, WriteChunk: selftestWriteChunk}
	ct, st := mem.Pipe(faults, faults)
	opts := streamOptions(cfg)

	type result struct {
		stats driver.Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		c, err := stream.Accept(ctx, st, se, opts)
		if err != nil {
			done <- result{err: fmt.Errorf("server handshake: %w", err)}
			return
		}
		err = server.Echo(ctx, c)
		if cerr := c.Close(); err == nil {
			err = cerr
		}
		done <- result{stats: c.Stats(), err: err}
	}()

	c, err := stream.Connect(ctx, ct, ce, opts)
	if err != nil {
		_ = st.Close()
		<-done
		return client, srv, fmt.Errorf("client handshake: %w", err)
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	payload := make([]byte, selftestBytes)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	if _, err := c.Write(payload); err != nil {
		return client, srv, fmt.Errorf("write: %w", err)
	}
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(c, echoed); err != nil {
		return client, srv, fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(payload, echoed) {
		return client, srv, fmt.Errorf("echoed payload differs")
	}
	if err := c.Shutdown(); err != nil {
		return client, srv, fmt.Errorf("shutdown: %w", err)
	}
	r := <-done
	if r.err != nil {
		return client, srv, r.err
	}
	return c.Stats(), r.stats, nil
}

func init() {
	selftestCmd.Flags().IntVar(&selftestBytes, "bytes", 64<<10, "payload size to echo")
	selftestCmd.Flags().IntVar(&selftestReadChunk, "read-chunk", 1, "cap bytes per transport read (0 disables)")
	selftestCmd.Flags().IntVar(&selftestWriteChunk, "write-chunk", 7, "cap bytes per transport write (0 disables)")
	selftestCmd.Flags().DurationVar(&selftestTimeout, "timeout", 30*time.Second, "overall bound")
	rootCmd.AddCommand(selftestCmd)
}

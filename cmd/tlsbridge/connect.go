package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tlsbridge/pkg/engine"
	"tlsbridge/pkg/stream"
	"tlsbridge/pkg/transports"
)

var (
	connectMessage string
	connectAsync   bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Dial, send a message and print the echoed reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		if connectMessage == "" {
			return fmt.Errorf("--message must not be empty")
		}
		b, err := builder(cfg, false)
		if err != nil {
			return err
		}
		eng, err := b.New(engine.Client, logger)
		if err != nil {
			return err
		}
		exchange := exchangeBlocking
		if connectAsync {
			exchange = exchangeAsync
		}
		reply, st, err := exchange(cmd.Context(), eng, []byte(connectMessage))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", describe(st), reply)
		return nil
	},
}

func exchangeBlocking(ctx context.Context, eng engine.Engine, msg []byte) ([]byte, engine.ConnectionState, error) {
	tr, err := transports.Dial(ctx, cfg.Transport)
	if err != nil {
		_ = eng.Close()
		return nil, engine.ConnectionState{}, fmt.Errorf("failed to dial: %w", err)
	}
	c, err := stream.Connect(ctx, tr, eng, streamOptions(cfg))
	if err != nil {
		return nil, engine.ConnectionState{}, err
	}
	defer c.Close()
	if _, err := c.Write(msg); err != nil {
		return nil, c.ConnectionState(), err
	}
	reply := make([]byte, len(msg))
	if _, err := io.ReadFull(c, reply); err != nil {
		return nil, c.ConnectionState(), err
	}
	return reply, c.ConnectionState(), c.Shutdown()
}

func exchangeAsync(ctx context.Context, eng engine.Engine, msg []byte) ([]byte, engine.ConnectionState, error) {
	s, err := transports.DialAsync(ctx, cfg.Transport)
	if err != nil {
		_ = eng.Close()
		return nil, engine.ConnectionState{}, fmt.Errorf("failed to dial: %w", err)
	}
	c, err := stream.ConnectAsync(ctx, s, eng, streamOptions(cfg))
	if err != nil {
		return nil, engine.ConnectionState{}, err
	}
	defer c.Close()
	if _, err := c.Write(ctx, msg); err != nil {
		return nil, c.ConnectionState(), err
	}
	reply := make([]byte, len(msg))
	for got := 0; got < len(reply); {
		n, err := c.Read(ctx, reply[got:])
		got += n
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, c.ConnectionState(), err
		}
	}
	return reply, c.ConnectionState(), c.Shutdown(ctx)
}

func init() {
	connectCmd.Flags().StringVarP(&connectMessage, "message", "m", "ping", "message to send")
	connectCmd.Flags().BoolVar(&connectAsync, "async", false, "use the suspend-capable socket transport")
	rootCmd.AddCommand(connectCmd)
}

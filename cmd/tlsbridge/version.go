package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tlsbridge/pkg/engine/sim"
	"tlsbridge/pkg/engines"
)

// version is set at build time via -ldflags "-X main.version=x.y.z"
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the tlsbridge version and available engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "tlsbridge version %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "engines: %s\n", strings.Join(engines.Default(sim.Options{}).Names(), ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

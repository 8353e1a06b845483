// Command quince is the CLI entry point: a client and a server ("serve")
// subcommand, wired on top of package quic.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// logLevelFlag registers the verbosity flag every subcommand shares.
func logLevelFlag(fs *pflag.FlagSet, p *int) {
	fs.IntVar(p, "v", 2, "log verbosity: 0=off 1=error 2=info 3=debug 4=trace")
}

func main() {
	root := &cobra.Command{
		Use:           "quince",
		Short:         "A small QUIC client and server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newClientCmd())
	root.AddCommand(newServeCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "quince:", err)
		os.Exit(1)
	}
}

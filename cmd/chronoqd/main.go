// chronoqd is the chronoq scheduler daemon. Every instance runs the full
// set of node roles (dispatcher, worker pool, janitor) plus the HTTP API;
// scaling out means starting more instances against the same store and
// transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chronoqd",
		Short: "Distributed job scheduler daemon",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chronoqd version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("chronoqd " + version)
		},
	}
}

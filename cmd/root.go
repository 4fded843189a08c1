package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ValentinKolb/repltail/cmd/tail"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "repltail",
		Short: "replica set oplog tailer",
		Long: fmt.Sprintf(`repltail (v%s)

A MongoDB replica set oplog tailer written in Go. It connects to a sync
source, establishes a tailing cursor over the oplog and streams validated
operations with the same continuity and ordering guarantees a replicating
secondary enforces.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of repltail",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("repltail v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(tail.TailCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

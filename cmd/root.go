package cmd

import (
	"fmt"
	"os"

	"github.com/relog-db/relog/cmd/serve"
	"github.com/relog-db/relog/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "relog",
		Short: "replicated commit log",
		Long: fmt.Sprintf(`relog (v%s)

A replicated commit log written in Go: time-based leader election,
master/replica/arbiter streaming with group commit and a durable
quorum watermark.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relog",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relog v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use for the wire protocol (json, binary)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

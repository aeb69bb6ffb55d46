package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tesseradb/tessera/cmd/serve"
)

const (
	Version = "1.2.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "tessera",
		Short: "networked typed key-value cache",
		Long: fmt.Sprintf(`tessera (v%s)

An in-memory, networked key-value cache with typed values, per-key TTL,
pub/sub channels and optional active-active clustering.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tessera",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tessera v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

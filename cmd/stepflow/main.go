// Command stepflow inspects and maintains stepflow run stores and runs a
// demo workflow against them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "stepflow",
	Short:         "Operate stepflow workflow stores",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("STEPFLOW_CONFIG"), "Path to a YAML config file")
	rootCmd.AddCommand(configCmd, demoCmd, statsCmd, listCmd, purgeCmd, recoverCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

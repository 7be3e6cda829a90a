package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "gweizero orchestrator: AI-driven Solidity gas optimization pipeline",
	Long:  "The orchestrator accepts contract sources, runs them through static analysis, baseline gas measurement (via the worker), AI optimization, and acceptance validation, then serves job status, live progress, and proof minting.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orchestrator version %s\n", version)
	},
}

func main() {
	serveCmd.Flags().Int("port", 0, "Override ORCHESTRATOR_PORT")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

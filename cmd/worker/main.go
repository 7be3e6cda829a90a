package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "gweizero worker: compiles and gas-measures Solidity candidates",
	Long:  "The worker accepts a contract source, compiles and deploys it in an isolated build folder via an external gas-estimator subprocess, and reports a measured gas profile back to the orchestrator.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("worker version %s\n", version)
	},
}

func main() {
	serveCmd.Flags().Int("port", 0, "Override WORKER_PORT")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

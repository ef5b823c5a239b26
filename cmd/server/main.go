package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	envFile    string
	configFile string
)

func main() {
	root := &cobra.Command{
		Use:           "agentflow",
		Short:         "Multi-agent process execution service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "Path to .env file")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

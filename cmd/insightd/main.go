package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "insightd",
		Short: "StartInsight control plane - AI agent orchestration and runtime",
		Long: `insightd runs scheduled AI agents against provider APIs under
per-agent rate and cost budgets. It exposes an HTTP control API with
live telemetry streams and a CLI for operating agents directly.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

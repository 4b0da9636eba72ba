package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "wave-orch",
		Short: "Wave Orchestrator - dependency-aware agent work scheduler",
		Long: `Wave Orchestrator schedules backlog issues across isolated git worktrees.
It plans dependency waves, splits them by file contention, runs a bounded
pool of coding agents, and merges finished branches back to trunk one at
a time.`,
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

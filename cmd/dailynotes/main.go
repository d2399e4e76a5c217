package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "dailynotes",
		Short: "Desktop shell for Daily Notes",
		Long: `Launches the bundled daily-notes-backend sidecar on a local port, waits
for it to answer and serves the backend URL to the UI over the control API.`,
		SilenceUsage: true,
		RunE:         runShell,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start the backend sidecar and the control API (default)",
		Args:  cobra.NoArgs,
		RunE:  runShell,
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent sidecar launches",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyLimit int
	historyRun   string
	historyPrune string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of events to show")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "only show events of this run id")
	historyCmd.Flags().StringVar(&historyPrune, "prune", "", "delete events older than this duration (e.g. 720h) before listing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/dailynotes/desktop/audit"
	"github.com/tomyedwab/dailynotes/desktop/config"
)

func runHistory(cmd *cobra.Command, args []string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, history, err := openHistory(conf)
	if err != nil {
		return err
	}
	defer db.Close()

	if historyPrune != "" {
		olderThan, err := time.ParseDuration(historyPrune)
		if err != nil {
			return fmt.Errorf("invalid --prune duration: %w", err)
		}
		deleted, err := history.DeleteOldEvents(olderThan)
		if err != nil {
			return fmt.Errorf("failed to prune launch history: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d events\n", deleted)
	}

	var events []audit.LaunchEvent
	if historyRun != "" {
		events, err = history.GetEventsByRun(historyRun)
	} else {
		events, err = history.GetRecentEvents(historyLimit)
	}
	if err != nil {
		return fmt.Errorf("failed to read launch history: %w", err)
	}

	printEvents(cmd, events)
	return nil
}

func printEvents(cmd *cobra.Command, events []audit.LaunchEvent) {
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No launches recorded")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tEVENT\tENDPOINT\tPID\tEXIT\tDETAIL")
	for _, e := range events {
		endpoint := "-"
		if e.Host != "" {
			endpoint = fmt.Sprintf("%s:%d", e.Host, e.Port)
		}
		pid, exit := "-", "-"
		if e.PID != nil {
			pid = fmt.Sprint(*e.PID)
		}
		if e.ExitCode != nil {
			exit = fmt.Sprint(*e.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time().Local().Format(time.DateTime), shortRunID(e.RunID), e.EventType, endpoint, pid, exit, e.Detail)
	}
	w.Flush()
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}


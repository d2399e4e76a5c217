package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/dailynotes/desktop/audit"
)

func TestPrintEvents(t *testing.T) {
	pid, code := 4242, 0
	events := []audit.LaunchEvent{
		{RunID: "0123456789abcdef", EventType: string(audit.EventSpawned), Timestamp: 1700000000000, Host: "127.0.0.1", Port: 8000, PID: &pid},
		{RunID: "0123456789abcdef", EventType: string(audit.EventExited), Timestamp: 1700000005000, PID: &pid, ExitCode: &code},
	}

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	printEvents(cmd, events)

	text := out.String()
	assert.Contains(t, text, "EVENT")
	assert.Contains(t, text, "01234567 ")
	assert.Contains(t, text, "127.0.0.1:8000")
	assert.Contains(t, text, "spawned")
	assert.Contains(t, text, "exited")
}

func TestPrintEventsEmpty(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	printEvents(cmd, nil)
	assert.Equal(t, "No launches recorded\n", out.String())
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("DAILYNOTES_HISTORY_DB", dbPath)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"history", "--limit", "5"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "No launches recorded")
}

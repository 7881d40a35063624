package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/store"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	finished := now.Add(90 * time.Second)
	runs := []model.Run{
		{
			ID:             "abc12345-6789-0000-0000-000000000000",
			Capability:     "ner",
			Status:         model.RunStatusPartial,
			StartedAt:      now,
			FinishedAt:     &finished,
			ProcessedCount: 98,
			ErrorCount:     2,
		},
		{
			ID:         "def12345-6789-0000-0000-000000000000",
			Capability: "assoc",
			Status:     model.RunStatusFailed,
			StartedAt:  now.Add(-time.Hour),
			Details:    model.RunDetails{Reason: "sqlite: disk I/O error"},
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "CAPABILITY")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "partial")
	assert.Contains(t, output, "1m30s")
	assert.Contains(t, output, "2026-06-15 10:30")
	assert.Contains(t, output, "disk I/O error")
}

func TestFormatRunStats(t *testing.T) {
	stats := []store.RunStat{
		{Capability: "ner", Status: model.RunStatusSuccess, Runs: 3, Processed: 300},
		{Capability: "ner", Status: model.RunStatusPartial, Runs: 1, Processed: 90, Errors: 10},
		{Capability: "assoc", Status: model.RunStatusRunning, Runs: 1},
	}

	var buf bytes.Buffer
	formatRunStats(&buf, stats, 24*time.Hour)

	output := buf.String()
	assert.Contains(t, output, "last 24h0m0s")
	lines := bytes.Split(buf.Bytes(), []byte("\n"))
	// Capabilities are sorted: assoc before ner.
	var assocLine, nerLine int
	for i, l := range lines {
		switch {
		case bytes.HasPrefix(l, []byte("assoc")):
			assocLine = i
		case bytes.HasPrefix(l, []byte("ner")):
			nerLine = i
		}
	}
	require.NotZero(t, assocLine)
	assert.Less(t, assocLine, nerLine)
	assert.Regexp(t, `ner\s+4\s+3\s+1\s+0\s+0\s+390\s+10`, string(lines[nerLine]))
	assert.Regexp(t, `assoc\s+1\s+0\s+0\s+0\s+1\s+0\s+0`, string(lines[assocLine]))
}

func TestFormatRunStats_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, nil, time.Hour)
	assert.Contains(t, buf.String(), "No runs.")
}

func TestRunFilterFromFlags(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{}
		c.Flags().String("capability", "", "")
		c.Flags().String("status", "", "")
		c.Flags().Int("limit", 50, "")
		c.Flags().Int("offset", 0, "")
		return c
	}

	c := newCmd()
	require.NoError(t, c.Flags().Parse([]string{"--capability", "ner", "--status", "partial", "--limit", "5"}))
	f, err := runFilterFromFlags(c)
	require.NoError(t, err)
	assert.Equal(t, store.RunFilter{Capability: "ner", Status: model.RunStatusPartial, Limit: 5}, f)

	c = newCmd()
	require.NoError(t, c.Flags().Parse([]string{"--status", "done"}))
	_, err = runFilterFromFlags(c)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

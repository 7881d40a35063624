package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
	Long:  "Commands for listing, viewing, summarizing and reaping capability runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		runs, err := ledger.New(st).List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func runFilterFromFlags(cmd *cobra.Command) (store.RunFilter, error) {
	capName, _ := cmd.Flags().GetString("capability")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter := store.RunFilter{
		Capability: model.Capability(capName),
		Limit:      limit,
		Offset:     offset,
	}
	if status != "" {
		s, err := model.ParseRunStatus(status)
		if err != nil {
			return filter, err
		}
		filter.Status = s
	}
	return filter, nil
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := ledger.New(st).Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run counts per capability and status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		stats, err := ledger.New(st).Stats(ctx, since)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, stats, since)
		return nil
	},
}

// -- runs reap --

var runsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail pending or running runs left behind by a crashed process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "runs")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = time.Duration(cfg.Monitoring.StaleRunMinutes) * time.Minute
		}
		n, err := ledger.New(st).ReapStale(ctx, olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Reaped %d run(s) older than %s.\n", n, olderThan)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("capability", "", "filter by capability")
	runsListCmd.Flags().String("status", "", "filter by run status (pending, running, success, partial, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "skip this many runs")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsReapCmd.Flags().Duration("older-than", 0, "age after which an active run is stale (default from monitoring.stale_run_minutes)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsReapCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a table of runs to w.
func formatRunsList(w io.Writer, runs []model.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCAPABILITY\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tERRORS\tREASON")

	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}

		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Second).String()
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			id,
			r.Capability,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			duration,
			r.ProcessedCount,
			r.ErrorCount,
			truncate(r.Details.Reason, 60),
		)
	}
	tw.Flush() //nolint:errcheck
}

// formatRunStats writes per-capability totals followed by the status
// breakdown.
func formatRunStats(w io.Writer, stats []store.RunStat, since time.Duration) {
	fmt.Fprintf(w, "Run Statistics (last %s)\n", since)
	fmt.Fprintln(w, "========================")
	if len(stats) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}

	type totals struct {
		runs, processed, errors int64
		byStatus                map[model.RunStatus]int64
	}
	per := make(map[model.Capability]*totals)
	for _, s := range stats {
		t := per[s.Capability]
		if t == nil {
			t = &totals{byStatus: make(map[model.RunStatus]int64)}
			per[s.Capability] = t
		}
		t.runs += s.Runs
		t.processed += s.Processed
		t.errors += s.Errors
		t.byStatus[s.Status] += s.Runs
	}

	names := make([]string, 0, len(per))
	for c := range per {
		names = append(names, string(c))
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tRUNS\tSUCCESS\tPARTIAL\tFAILED\tACTIVE\tPROCESSED\tERRORS")
	for _, name := range names {
		t := per[model.Capability(name)]
		active := t.byStatus[model.RunStatusPending] + t.byStatus[model.RunStatusRunning]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			name, t.runs,
			t.byStatus[model.RunStatusSuccess],
			t.byStatus[model.RunStatusPartial],
			t.byStatus[model.RunStatusFailed],
			active,
			t.processed, t.errors,
		)
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

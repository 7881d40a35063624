package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/ingest"
	"github.com/sells-group/corpus-cli/internal/intake"
	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Ingest documents from the sources manifest or the given paths",
	Long: "Reads every active source of the manifest (or only --source, or the given " +
		"files, directories and globs) and stores new records. Documents already " +
		"ingested are skipped by fingerprint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		only, _ := cmd.Flags().GetString("source")
		manifestPath, _ := cmd.Flags().GetString("sources-file")
		if manifestPath == "" {
			manifestPath = cfg.Ingest.SourcesFile
		}

		sources, err := resolveSources(manifestPath, only, args)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No active sources.")
			return nil
		}

		st, err := initStore(ctx, "ingest")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runner := newIngestRunner(st, cfg.Ingest)
		run, summaries, err := runner.Run(ctx, sources)
		formatSourceSummaries(os.Stdout, summaries)
		if run != nil {
			zap.L().Info("ingest finished",
				zap.String("run_id", run.ID),
				zap.String("status", string(run.Status)),
				zap.Int64("inserted", run.ProcessedCount),
				zap.Int64("failed", run.ErrorCount),
			)
		}
		return err
	},
}

func newIngestRunner(st store.Store, ic config.IngestConfig) *ingest.Runner {
	retry := resilience.RetryFromSettings(ic.RetryAttempts, ic.RetryBackoffMs, ic.RetryMaxBackoff)
	retry.OnRetry = resilience.RetryLogger("intake", "download")

	w := ingest.NewWriter(st, ingest.WithDefaultLanguage(ic.DefaultLanguage))
	return ingest.NewRunner(w, ledger.New(st),
		intake.WithRateLimit(ic.DownloadsPerSec),
		intake.WithRetry(retry),
	)
}

// resolveSources picks what to ingest: explicit paths win, then a single
// named manifest source, then every active manifest source.
func resolveSources(manifestPath, only string, paths []string) ([]intake.Source, error) {
	if len(paths) > 0 {
		sources := make([]intake.Source, 0, len(paths))
		for _, p := range paths {
			src := intake.Source{Name: "cli:" + filepath.Base(p), Type: intake.TypeLocal, Location: p}
			if err := src.Validate(); err != nil {
				return nil, err
			}
			sources = append(sources, src)
		}
		return sources, nil
	}

	m, err := intake.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if only != "" {
		src, ok := m.Find(only)
		if !ok {
			return nil, eris.Errorf("source %q not found in %s", only, manifestPath)
		}
		return []intake.Source{src}, nil
	}
	return m.ActiveSources(), nil
}

func formatSourceSummaries(w io.Writer, summaries []ingest.SourceSummary) {
	if len(summaries) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tINSERTED\tSKIPPED\tFAILED\tERROR")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", s.Source, s.Inserted, s.Skipped, s.Failed, s.Error)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	ingestCmd.Flags().String("source", "", "ingest only this manifest source, even if inactive")
	ingestCmd.Flags().String("sources-file", "", "sources manifest (default from config)")
	rootCmd.AddCommand(ingestCmd)
}

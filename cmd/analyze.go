package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/capability"
	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/engine"
	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/pkg/anthropic"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <capability>",
	Short: "Run a capability over the records it has not covered yet",
	Long: "Starts one run of the capability. Records ingested before the run started " +
		"and not yet covered are analyzed; failed records stay due for the next run.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		name := model.Capability(args[0])
		if err := cfg.Validate(string(name)); err != nil {
			return err
		}

		registry, err := newRegistry(cfg.Anthropic)
		if err != nil {
			return err
		}
		analyzer, err := registry.Get(name)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "analyze")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		l := ledger.New(st)
		if reap, _ := cmd.Flags().GetDuration("reap-stale"); reap > 0 {
			if _, err := l.ReapStale(ctx, reap); err != nil {
				return err
			}
		}

		eng := engine.New(st, l, engineConfig(cmd, cfg.Engine))

		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			n, err := eng.Plan(ctx, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%d record(s) due for %s\n", n, name)
			return nil
		}

		report, runErr := eng.Run(ctx, analyzer)
		if m, ok := analyzer.(meteredAnalyzer); ok {
			usage, cost := m.Usage()
			zap.L().Info("llm usage for run",
				zap.String("capability", string(name)),
				zap.Int64("input_tokens", usage.InputTokens),
				zap.Int64("output_tokens", usage.OutputTokens),
				zap.Float64("estimated_cost_usd", cost),
			)
		}
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				zap.L().Warn("could not print report", zap.Error(err))
			}
		}
		return runErr
	},
}

// meteredAnalyzer is implemented by analyzers that call a paid model.
type meteredAnalyzer interface {
	Usage() (anthropic.TokenUsage, float64)
}

// newRegistry builds the capability registry. The LLM extractor is only
// registered when an API key is configured.
func newRegistry(ac config.AnthropicConfig) (*capability.Registry, error) {
	var client anthropic.Client
	if ac.Key != "" {
		client = anthropic.NewClient(ac.Key)
	}
	return capability.Builtins(client, capability.LLMConfig{
		Model:          ac.Model,
		MaxTokens:      ac.MaxTokens,
		RequestsPerSec: ac.RequestsPerSec,
	})
}

// engineConfig merges command flags over the configured engine settings.
func engineConfig(cmd *cobra.Command, ec config.EngineConfig) engine.Config {
	c := engine.Config{
		Workers:       ec.Workers,
		PageSize:      ec.PageSize,
		RecordTimeout: ec.RecordTimeout(),
		RetryAttempts: ec.RetryAttempts,
		Breaker:       resilience.BreakerFromSettings(ec.BreakerThreshold, ec.BreakerResetSecs),
		AssocTopRules: ec.AssocTopRules,
	}
	if w, _ := cmd.Flags().GetInt("workers"); w > 0 {
		c.Workers = w
	}
	if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
		c.RecordTimeout = d
	}
	return c
}

func init() {
	analyzeCmd.Flags().Int("workers", 0, "concurrent records (default from config)")
	analyzeCmd.Flags().Duration("timeout", 0, "per-record analyzer timeout (default from config)")
	analyzeCmd.Flags().Duration("reap-stale", 0, "first fail runs still active after this long (e.g. 2h)")
	analyzeCmd.Flags().Bool("dry-run", false, "only count the records the run would cover")
	rootCmd.AddCommand(analyzeCmd)
}


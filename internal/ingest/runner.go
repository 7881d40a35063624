package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/intake"
	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
)

// SourceSummary counts what one source contributed to an ingest run.
type SourceSummary struct {
	Source   string `json:"source"`
	Inserted int64  `json:"inserted"`
	Skipped  int64  `json:"skipped"`
	Failed   int64  `json:"failed"`
	Error    string `json:"error,omitempty"` // set when the source could not be read
}

// Runner ingests sources as one run of the ingest capability.
type Runner struct {
	writer     *Writer
	ledger     *ledger.Ledger
	loaderOpts []intake.LoaderOption
	log        *zap.Logger
}

// NewRunner creates a Runner. loaderOpts configure the loader built for each
// source.
func NewRunner(w *Writer, l *ledger.Ledger, loaderOpts ...intake.LoaderOption) *Runner {
	return &Runner{
		writer:     w,
		ledger:     l,
		loaderOpts: loaderOpts,
		log:        zap.L().With(zap.String("component", "ingest")),
	}
}

// Run reads every source and writes its candidates. Unreadable documents and
// empty candidates are per-document failures; a storage fault fails the run
// and is returned.
func (r *Runner) Run(ctx context.Context, sources []intake.Source) (*model.Run, []SourceSummary, error) {
	run, err := r.ledger.Start(ctx, model.CapabilityIngest)
	if err != nil {
		return nil, nil, err
	}

	var (
		details   model.RunDetails
		summaries []SourceSummary
		inserted  int64
		failed    int64
	)
	for _, src := range sources {
		sum, runErr := r.ingestSource(ctx, src, &details)
		summaries = append(summaries, sum)
		inserted += sum.Inserted
		failed += sum.Failed
		details.Skipped += sum.Skipped

		if runErr != nil {
			if ctx.Err() != nil {
				break
			}
			if ferr := r.ledger.Fail(ctx, run, runErr.Error()); ferr != nil {
				r.log.Error("ingest: could not fail run", zap.String("run_id", run.ID), zap.Error(ferr))
			}
			return run, summaries, runErr
		}
	}

	cancelled := ctx.Err() != nil
	if cancelled {
		details.Reason = "cancelled"
	}
	details.Artifacts = map[string]any{"sources": summaries}
	outcome := model.RunOutcome{
		Status:    ledger.Decide(inserted, failed, false, cancelled),
		Processed: inserted,
		Errors:    failed,
		Details:   details,
	}
	if err := r.ledger.Complete(ctx, run, outcome); err != nil {
		return run, summaries, err
	}
	if cancelled {
		return run, summaries, eris.Wrap(ctx.Err(), "ingest: cancelled")
	}
	return run, summaries, nil
}

// ingestSource returns a non-nil error only for storage faults or
// cancellation.
func (r *Runner) ingestSource(ctx context.Context, src intake.Source, details *model.RunDetails) (SourceSummary, error) {
	sum := SourceSummary{Source: src.Name}
	// Document errors arrive from the loader goroutine.
	var mu sync.Mutex
	fail := func(origin string, err error) {
		mu.Lock()
		defer mu.Unlock()
		sum.Failed++
		details.Merge(model.RunDetails{Failures: []model.RecordFailure{{
			RecordID: origin,
			Error:    err.Error(),
			Kind:     "document",
		}}})
	}

	opts := append([]intake.LoaderOption{}, r.loaderOpts...)
	opts = append(opts, intake.WithDocumentErrors(func(de *intake.DocumentError) {
		fail(de.Origin, de.Err)
	}))
	loader := intake.NewLoader(opts...)

	log := r.log.With(zap.String("source", src.Name))
	log.Info("ingesting source", zap.String("location", src.Location))

	// Cancelling the stream on a storage fault stops the loader goroutine.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	candCh, errCh := loader.Stream(streamCtx, src)

	var writeErr error
	for c := range candCh {
		if writeErr != nil {
			continue // drain
		}
		out, err := r.writer.Write(ctx, c)
		switch {
		case errors.Is(err, ErrEmptyCandidate):
			fail(c.Origin, err)
		case err != nil:
			writeErr = err
			cancel()
		case out.Status == Inserted:
			sum.Inserted++
		default:
			sum.Skipped++
		}
	}
	streamErr := <-errCh

	if writeErr != nil {
		return sum, writeErr
	}
	if streamErr != nil {
		if ctx.Err() != nil {
			return sum, eris.Wrap(ctx.Err(), "ingest: cancelled")
		}
		// An unreadable source does not stop the others.
		sum.Error = streamErr.Error()
		fail(src.Location, streamErr)
		log.Warn("source failed", zap.Error(streamErr))
	}

	log.Info("source ingested",
		zap.Int64("inserted", sum.Inserted),
		zap.Int64("skipped", sum.Skipped),
		zap.Int64("failed", sum.Failed),
	)
	return sum, nil
}

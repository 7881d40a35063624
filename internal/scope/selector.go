// Package scope selects the records a capability run must process.
package scope

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/internal/store"
)

// DefaultPageSize is the keyset page size used when none is configured.
const DefaultPageSize = 200

// Selector streams due records in bounded pages.
type Selector struct {
	store    store.Store
	pageSize int
	retry    resilience.RetryConfig
	log      *zap.Logger
}

// NewSelector creates a Selector. A non-positive pageSize uses DefaultPageSize.
func NewSelector(s store.Store, pageSize int) *Selector {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	retry := resilience.StorageRetryConfig(3)
	retry.OnRetry = resilience.RetryLogger("scope", "list_due")
	return &Selector{
		store:    s,
		pageSize: pageSize,
		retry:    retry,
		log:      zap.L().With(zap.String("component", "scope")),
	}
}

// SelectDue streams every record due for capability as of the run watermark:
// ingested at or before asOf, and never covered or last covered before asOf.
// Records are emitted in id order. The record channel is closed when the
// scope is exhausted; a storage error or cancellation is sent on the error
// channel first. The stream cannot be restarted.
func (s *Selector) SelectDue(ctx context.Context, capability model.Capability, asOf time.Time) (<-chan model.Record, <-chan error) {
	recCh := make(chan model.Record, s.pageSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		var afterID string
		var total int
		for {
			page, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]model.Record, error) {
				return s.store.ListDue(ctx, capability, asOf, afterID, s.pageSize)
			})
			if err != nil {
				errCh <- eris.Wrapf(err, "scope: list due %s after %q", capability, afterID)
				return
			}

			for _, rec := range page {
				select {
				case recCh <- rec:
				case <-ctx.Done():
					errCh <- eris.Wrap(ctx.Err(), "scope: context cancelled")
					return
				}
			}
			total += len(page)

			if len(page) < s.pageSize {
				s.log.Debug("scope exhausted",
					zap.String("capability", string(capability)),
					zap.Int("records", total),
				)
				return
			}
			afterID = page[len(page)-1].ID
		}
	}()

	return recCh, errCh
}

// CountDue drains a scope without processing it. Used for dry runs.
func (s *Selector) CountDue(ctx context.Context, capability model.Capability, asOf time.Time) (int, error) {
	recCh, errCh := s.SelectDue(ctx, capability, asOf)
	n := 0
	for range recCh {
		n++
	}
	if err := <-errCh; err != nil {
		return n, err
	}
	return n, nil
}

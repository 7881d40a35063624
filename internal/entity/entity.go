// Package entity normalizes extracted spans into canonical entities and
// writes a record's entity links.
package entity

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/lang"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/internal/store"
)

// Result summarizes an Apply call.
type Result struct {
	CreatedEntities int `json:"created_entities"`
	UpdatedLinks    int `json:"updated_links"`
}

// Key returns the canonical key for a span. The span's own language wins
// over the record language.
func Key(span model.Span, recordLanguage string) model.EntityKey {
	typ := strings.ToUpper(strings.TrimSpace(span.Type))
	if typ == "" {
		typ = model.EntityMisc
	}
	language := strings.ToLower(strings.TrimSpace(span.Language))
	if language == "" {
		language = recordLanguage
	}
	return model.EntityKey{
		Normalized: lang.Fold(span.Text),
		Type:       typ,
		Language:   language,
	}
}

// Group collapses spans by canonical key. The count of each group is the
// number of spans in it; the surface text is the first span's. Groups are
// ordered by key so writes take locks in a stable order.
func Group(spans []model.Span, recordLanguage string) []store.EntityGroup {
	byKey := make(map[model.EntityKey]*store.EntityGroup)
	for _, sp := range spans {
		k := Key(sp, recordLanguage)
		if k.Normalized == "" {
			continue
		}
		g, ok := byKey[k]
		if !ok {
			g = &store.EntityGroup{Key: k, Text: lang.Normalize(sp.Text)}
			byKey[k] = g
		}
		g.Count++
	}

	out := make([]store.EntityGroup, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Normalized != b.Normalized {
			return a.Normalized < b.Normalized
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Language < b.Language
	})
	return out
}

// Engine applies extractor output to the store.
type Engine struct {
	store store.Store
	retry resilience.RetryConfig
	log   *zap.Logger
}

// NewEngine creates an Engine. retryAttempts bounds retries of transient
// storage errors; zero uses the default.
func NewEngine(s store.Store, retryAttempts int) *Engine {
	retry := resilience.StorageRetryConfig(retryAttempts)
	retry.OnRetry = resilience.RetryLogger("entity", "upsert_links")
	return &Engine{
		store: s,
		retry: retry,
		log:   zap.L().With(zap.String("component", "entity")),
	}
}

// Apply upserts the entities found in a record and sets each link count to
// the number of matching spans. Re-applying the same spans leaves counts
// unchanged. All of a record's links are written in one transaction.
func (e *Engine) Apply(ctx context.Context, rec *model.Record, spans []model.Span) (*Result, error) {
	groups := Group(spans, rec.Language)
	if len(groups) == 0 {
		return &Result{}, nil
	}

	res, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*store.EntityUpsertResult, error) {
		return e.store.UpsertEntityLinks(ctx, rec.ID, groups)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "entity: apply to record %s", rec.ID)
	}

	e.log.Debug("entities applied",
		zap.String("record_id", rec.ID),
		zap.Int("spans", len(spans)),
		zap.Int("created", res.Created),
		zap.Int("links", res.Links),
	)
	return &Result{CreatedEntities: res.Created, UpdatedLinks: res.Links}, nil
}

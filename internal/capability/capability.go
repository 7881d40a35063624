// Package capability defines the analyzer contract and the built-in
// analyzers: entity extraction, clustering and association mining.
package capability

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
)

// Kind is the variant of an analyzer, which decides where its output is
// persisted.
type Kind string

const (
	KindEntities    Kind = "entities"
	KindClustering  Kind = "clustering"
	KindAssociation Kind = "association"
)

// Membership places the analyzed record in a cluster.
type Membership struct {
	Key      string            `json:"key"`
	Name     string            `json:"name"`
	Type     model.ClusterType `json:"type"`
	Score    float64           `json:"score"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Result is an analyzer's output for one record. Only the fields matching
// the analyzer's Kind are set.
type Result struct {
	Spans       []model.Span `json:"spans,omitempty"`
	Memberships []Membership `json:"memberships,omitempty"`
	Items       []string     `json:"items,omitempty"` // distinct terms, sorted
}

// Analyzer is a pluggable black-box analysis function.
type Analyzer interface {
	Name() model.Capability
	Kind() Kind
	Analyze(ctx context.Context, text, language string) (*Result, error)
}

// Registry maps capability names to analyzers.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[model.Capability]Analyzer
}

// NewRegistry creates a registry holding the given analyzers.
func NewRegistry(analyzers ...Analyzer) (*Registry, error) {
	r := &Registry{analyzers: make(map[model.Capability]Analyzer)}
	for _, a := range analyzers {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an analyzer. Names must be valid and unique; "ingest" is
// reserved for ingestion runs.
func (r *Registry) Register(a Analyzer) error {
	name := a.Name()
	if err := name.Validate(); err != nil {
		return eris.Wrap(err, "capability: register")
	}
	if name == model.CapabilityIngest {
		return eris.Errorf("capability: %q is reserved", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.analyzers[name]; ok {
		return eris.Errorf("capability: %q already registered", name)
	}
	r.analyzers[name] = a
	return nil
}

// Get returns the analyzer registered under name.
func (r *Registry) Get(name model.Capability) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[name]
	if !ok {
		return nil, eris.Errorf("capability: unknown capability %q", name)
	}
	return a, nil
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []model.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Capability, 0, len(r.analyzers))
	for n := range r.analyzers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// shares turns counts into memberships scored by their share of the total,
// keeping the top n. Ties are broken by key.
func shares(counts map[string]int, n int, build func(key string) Membership) []Membership {
	type kv struct {
		key   string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for k, c := range counts {
		ranked = append(ranked, kv{k, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].key < ranked[j].key
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	total := 0
	for _, r := range ranked {
		total += r.count
	}
	out := make([]Membership, 0, len(ranked))
	for _, r := range ranked {
		m := build(r.key)
		m.Score = float64(r.count) / float64(total)
		out = append(out, m)
	}
	return out
}

package capability

import (
	"context"

	"github.com/sells-group/corpus-cli/internal/lang"
	"github.com/sells-group/corpus-cli/internal/model"
)

// DefaultMaxClusters is how many clusters a record joins per run.
const DefaultMaxClusters = 3

// TopicClusters assigns a record to topic clusters keyed by its dominant
// stemmed terms. The score is the term's share of the record's top terms.
type TopicClusters struct {
	maxClusters int
	minCount    int
}

// NewTopicClusters creates the "topic-cluster" analyzer.
func NewTopicClusters(maxClusters int) *TopicClusters {
	if maxClusters <= 0 {
		maxClusters = DefaultMaxClusters
	}
	return &TopicClusters{maxClusters: maxClusters, minCount: 2}
}

func (t *TopicClusters) Name() model.Capability { return "topic-cluster" }
func (t *TopicClusters) Kind() Kind             { return KindClustering }

func (t *TopicClusters) Analyze(ctx context.Context, text, language string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := lang.For(language)
	counts := make(map[string]int)
	for _, term := range a.Terms(text) {
		if len([]rune(term)) < 3 || isNumeric(term) {
			continue
		}
		counts[term]++
	}
	for term, c := range counts {
		if c < t.minCount {
			delete(counts, term)
		}
	}

	memberships := shares(counts, t.maxClusters, func(term string) Membership {
		key := "topic:" + a.Code() + ":" + term
		return Membership{
			Key:      key,
			Name:     term,
			Type:     model.ClusterTopic,
			Metadata: map[string]any{"term": term, "language": a.Code()},
		}
	})
	return &Result{Memberships: memberships}, nil
}

// EntityClusters groups records around the entities they mention most.
type EntityClusters struct {
	maxClusters int
}

// NewEntityClusters creates the "entity-cluster" analyzer.
func NewEntityClusters(maxClusters int) *EntityClusters {
	if maxClusters <= 0 {
		maxClusters = DefaultMaxClusters
	}
	return &EntityClusters{maxClusters: maxClusters}
}

func (e *EntityClusters) Name() model.Capability { return "entity-cluster" }
func (e *EntityClusters) Kind() Kind             { return KindClustering }

func (e *EntityClusters) Analyze(ctx context.Context, text, _ string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	names := make(map[string]string)
	types := make(map[string]string)
	for _, sp := range ExtractSpans(text) {
		if sp.Type == model.EntityMisc {
			continue
		}
		key := "entity:" + sp.Type + ":" + lang.Fold(sp.Text)
		if _, ok := names[key]; !ok {
			names[key] = sp.Text
			types[key] = sp.Type
		}
		counts[key]++
	}

	memberships := shares(counts, e.maxClusters, func(key string) Membership {
		return Membership{
			Key:      key,
			Name:     names[key],
			Type:     model.ClusterEntity,
			Metadata: map[string]any{"entity_type": types[key]},
		}
	})
	return &Result{Memberships: memberships}, nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Package rank builds per-record term vectors and scores records against
// full-text queries with zone weights.
package rank

import (
	"sort"

	"github.com/sells-group/corpus-cli/internal/lang"
	"github.com/sells-group/corpus-cli/internal/model"
)

// Weights configures the relevance model.
type Weights struct {
	Title           float64 `json:"title"`
	Body            float64 `json:"body"`
	FallbackPenalty float64 `json:"fallback_penalty"` // multiplier for records without a language
}

// DefaultWeights returns the stock zone weights.
func DefaultWeights() Weights {
	return Weights{Title: 4.0, Body: 1.0, FallbackPenalty: 0.5}
}

// BuildVector analyzes a record's title and body with the analyzer for its
// language and counts terms per zone.
func BuildVector(title, body, language string) model.TermVector {
	a := lang.For(language)
	v := make(model.TermVector)
	for _, t := range a.Terms(title) {
		zc := v[t]
		zc.Title++
		v[t] = zc
	}
	for _, t := range a.Terms(body) {
		zc := v[t]
		zc.Body++
		v[t] = zc
	}
	return v
}

// Scored is a record with its relevance score.
type Scored struct {
	Record *model.Record
	Score  float64
}

// Ranker scores records for a query.
type Ranker struct {
	weights Weights
}

// NewRanker creates a Ranker. Zero weights fall back to the defaults.
func NewRanker(w Weights) *Ranker {
	def := DefaultWeights()
	if w.Title <= 0 {
		w.Title = def.Title
	}
	if w.Body <= 0 {
		w.Body = def.Body
	}
	if w.FallbackPenalty <= 0 {
		w.FallbackPenalty = def.FallbackPenalty
	}
	return &Ranker{weights: w}
}

// Weights returns the effective weights.
func (r *Ranker) Weights() Weights { return r.weights }

// Query is a query analyzed once per language.
type Query struct {
	text  string
	terms map[string][]string // analyzer code -> unique terms
}

// ParseQuery analyzes the query text with every analyzer.
func ParseQuery(text string) *Query {
	q := &Query{text: text, terms: make(map[string][]string)}
	for _, a := range lang.All() {
		q.terms[a.Code()] = unique(a.Terms(text))
	}
	return q
}

// TermsFor returns the unique query terms as analyzed for a language.
func (q *Query) TermsFor(language string) []string {
	return q.terms[lang.For(language).Code()]
}

// AllTerms returns the union of the query's terms across analyzers, sorted.
func (q *Query) AllTerms() []string {
	seen := make(map[string]bool)
	var out []string
	for _, terms := range q.terms {
		for _, t := range terms {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Score sums zone weight times term frequency over the matched query terms.
func (r *Ranker) Score(q *Query, rec *model.Record) float64 {
	var score float64
	for _, t := range q.TermsFor(rec.Language) {
		zc, ok := rec.Vector[t]
		if !ok {
			continue
		}
		score += r.weights.Title*float64(zc.Title) + r.weights.Body*float64(zc.Body)
	}
	if rec.Language == "" {
		score *= r.weights.FallbackPenalty
	}
	return score
}

// Rank scores the candidates and returns those that match, by descending
// score with ties broken by record id.
func (r *Ranker) Rank(query string, candidates []*model.Record) []Scored {
	q := ParseQuery(query)
	out := make([]Scored, 0, len(candidates))
	for _, rec := range candidates {
		if s := r.Score(q, rec); s > 0 {
			out = append(out, Scored{Record: rec, Score: s})
		}
	}
	Sort(out)
	return out
}

// Sort orders results by descending score, then ascending record id.
func Sort(results []Scored) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
}

func unique(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

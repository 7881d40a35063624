package capability

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/corpus-cli/internal/lang"
	"github.com/sells-group/corpus-cli/internal/model"
)

// maxItemsPerRecord bounds the itemset so pair counting stays quadratic in a
// small number.
const maxItemsPerRecord = 25

// Associations emits each record's most frequent distinct terms as an
// itemset. Support is aggregated across a run with an AssocAggregator.
type Associations struct{}

// NewAssociations creates the "assoc" analyzer.
func NewAssociations() *Associations { return &Associations{} }

func (a *Associations) Name() model.Capability { return "assoc" }
func (a *Associations) Kind() Kind             { return KindAssociation }

func (a *Associations) Analyze(ctx context.Context, text, language string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, term := range lang.For(language).Terms(text) {
		if len([]rune(term)) < 3 || isNumeric(term) {
			continue
		}
		counts[term]++
	}

	items := make([]string, 0, len(counts))
	for t := range counts {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool {
		if counts[items[i]] != counts[items[j]] {
			return counts[items[i]] > counts[items[j]]
		}
		return items[i] < items[j]
	})
	if len(items) > maxItemsPerRecord {
		items = items[:maxItemsPerRecord]
	}
	sort.Strings(items)
	return &Result{Items: items}, nil
}

// Rule is an association A → B mined from a run.
type Rule struct {
	Antecedent string  `json:"antecedent"`
	Consequent string  `json:"consequent"`
	Count      int     `json:"count"`
	Support    float64 `json:"support"`
	Confidence float64 `json:"confidence"`
	Lift       float64 `json:"lift"`
}

type pair struct{ a, b string }

// AssocAggregator accumulates itemsets from concurrent workers.
type AssocAggregator struct {
	mu          sync.Mutex
	records     int
	itemCounts  map[string]int
	pairCounts  map[pair]int
	minSupportN int
}

// NewAssocAggregator creates an aggregator. Pairs seen in fewer than
// minCount records are not reported.
func NewAssocAggregator(minCount int) *AssocAggregator {
	if minCount < 1 {
		minCount = 2
	}
	return &AssocAggregator{
		itemCounts:  make(map[string]int),
		pairCounts:  make(map[pair]int),
		minSupportN: minCount,
	}
}

// Add records one itemset. items must be sorted and distinct.
func (g *AssocAggregator) Add(items []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records++
	for i, a := range items {
		g.itemCounts[a]++
		for _, b := range items[i+1:] {
			g.pairCounts[pair{a, b}]++
		}
	}
}

// Records returns how many itemsets were added.
func (g *AssocAggregator) Records() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records
}

// Rules returns up to top rules in both directions of every frequent pair,
// ordered by confidence, then count, then antecedent and consequent.
func (g *AssocAggregator) Rules(top int) []Rule {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.records == 0 {
		return nil
	}

	n := float64(g.records)
	var rules []Rule
	for p, c := range g.pairCounts {
		if c < g.minSupportN {
			continue
		}
		support := float64(c) / n
		for _, dir := range [2][2]string{{p.a, p.b}, {p.b, p.a}} {
			conf := float64(c) / float64(g.itemCounts[dir[0]])
			rules = append(rules, Rule{
				Antecedent: dir[0],
				Consequent: dir[1],
				Count:      c,
				Support:    support,
				Confidence: conf,
				Lift:       conf / (float64(g.itemCounts[dir[1]]) / n),
			})
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Antecedent != b.Antecedent {
			return a.Antecedent < b.Antecedent
		}
		return a.Consequent < b.Consequent
	})
	if top > 0 && len(rules) > top {
		rules = rules[:top]
	}
	return rules
}

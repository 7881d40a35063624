package rank

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/store"
)

// Filters narrow a search before ranking.
type Filters struct {
	Sources    []string   `json:"sources,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	ClusterIDs []string   `json:"cluster_ids,omitempty"`
	Languages  []string   `json:"languages,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
}

// Page selects a window of ranked hits.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
	snippetRunes     = 240
)

// Hit is one ranked search result.
type Hit struct {
	RecordID   string    `json:"record_id"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	Origin     string    `json:"origin"`
	SourceName string    `json:"source_name,omitempty"`
	Language   string    `json:"language,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
	Score      float64   `json:"score"`
}

// Results is a page of hits plus the total match count.
type Results struct {
	Query  string `json:"query"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Hits   []Hit  `json:"hits"`
}

// Searcher prefilters candidates in storage and ranks them.
type Searcher struct {
	store  store.Store
	ranker *Ranker
	log    *zap.Logger
}

// NewSearcher creates a Searcher.
func NewSearcher(s store.Store, r *Ranker) *Searcher {
	return &Searcher{
		store:  s,
		ranker: r,
		log:    zap.L().With(zap.String("component", "search")),
	}
}

// Search ranks the records matching the filters against query and returns
// the requested page. A query without index terms matches nothing.
func (s *Searcher) Search(ctx context.Context, query string, f Filters, p Page) (*Results, error) {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	res := &Results{Query: query, Limit: p.Limit, Offset: p.Offset, Hits: []Hit{}}

	q := ParseQuery(query)
	terms := q.AllTerms()
	if len(terms) == 0 {
		return res, nil
	}

	var scored []Scored
	err := s.store.ScanCandidates(ctx, store.CandidateFilter{
		Sources:    f.Sources,
		Tags:       f.Tags,
		ClusterIDs: f.ClusterIDs,
		Languages:  f.Languages,
		From:       f.From,
		To:         f.To,
		AnyTerms:   terms,
	}, func(rec *model.Record) error {
		if sc := s.ranker.Score(q, rec); sc > 0 {
			scored = append(scored, Scored{Record: rec, Score: sc})
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "search: scan candidates")
	}

	Sort(scored)
	res.Total = len(scored)
	if p.Offset < len(scored) {
		end := min(p.Offset+p.Limit, len(scored))
		for _, sc := range scored[p.Offset:end] {
			res.Hits = append(res.Hits, toHit(sc))
		}
	}

	s.log.Debug("search complete",
		zap.String("query", query),
		zap.Int("terms", len(terms)),
		zap.Int("total", res.Total),
	)
	return res, nil
}

func toHit(sc Scored) Hit {
	rec := sc.Record
	return Hit{
		RecordID:   rec.ID,
		Title:      rec.Title,
		Snippet:    snippet(rec.Text),
		Origin:     rec.Origin,
		SourceName: rec.SourceName,
		Language:   rec.Language,
		Tags:       rec.Tags,
		IngestedAt: rec.IngestedAt,
		Score:      sc.Score,
	}
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) <= snippetRunes {
		return text
	}
	return string(r[:snippetRunes]) + "…"
}

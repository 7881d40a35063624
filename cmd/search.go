package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/rank"
	"github.com/sells-group/corpus-cli/internal/store"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank records against a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sources, _ := cmd.Flags().GetStringSlice("source")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		clusters, _ := cmd.Flags().GetStringSlice("cluster")
		langs, _ := cmd.Flags().GetStringSlice("lang")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		asJSON, _ := cmd.Flags().GetBool("json")

		filters, err := buildFilters(sources, tags, clusters, langs, from, to)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "search")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := newSearcher(st, cfg.Rank).Search(ctx, strings.Join(args, " "), filters, rank.Page{Limit: limit, Offset: offset})
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatResults(os.Stdout, res)
		return nil
	},
}

func newSearcher(st store.Store, rc config.RankConfig) *rank.Searcher {
	return rank.NewSearcher(st, rank.NewRanker(rank.Weights{
		Title:           rc.TitleWeight,
		Body:            rc.BodyWeight,
		FallbackPenalty: rc.FallbackPenalty,
	}))
}

// buildFilters turns flag or query parameter values into search filters.
// Dates are RFC 3339 or YYYY-MM-DD; a bare "to" date includes the whole day.
func buildFilters(sources, tags, clusters, langs []string, from, to string) (rank.Filters, error) {
	f := rank.Filters{
		Sources:    compact(sources),
		Tags:       compact(tags),
		ClusterIDs: compact(clusters),
		Languages:  compact(langs),
	}
	if from != "" {
		t, _, err := parseDate(from)
		if err != nil {
			return f, eris.Wrap(err, "invalid from date")
		}
		f.From = &t
	}
	if to != "" {
		t, dateOnly, err := parseDate(to)
		if err != nil {
			return f, eris.Wrap(err, "invalid to date")
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Microsecond)
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, eris.New("to date is before from date")
	}
	return f, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	return t, true, err
}

func compact(vals []string) []string {
	var out []string
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func formatResults(w io.Writer, res *rank.Results) {
	if len(res.Hits) == 0 {
		fmt.Fprintf(w, "No matches for %q.\n", res.Query)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tRECORD\tLANG\tSOURCE\tTITLE")
	for _, h := range res.Hits {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\t%s\n", h.Score, h.RecordID, h.Language, h.SourceName, truncate(h.Title, 70))
	}
	tw.Flush() //nolint:errcheck
	fmt.Fprintf(w, "\n%d-%d of %d\n", res.Offset+1, res.Offset+len(res.Hits), res.Total)
}

func init() {
	searchCmd.Flags().StringSlice("source", nil, "only records from these sources")
	searchCmd.Flags().StringSlice("tag", nil, "only records carrying every tag")
	searchCmd.Flags().StringSlice("cluster", nil, "only records in these clusters")
	searchCmd.Flags().StringSlice("lang", nil, "only records in these languages")
	searchCmd.Flags().String("from", "", "ingested at or after (YYYY-MM-DD or RFC 3339)")
	searchCmd.Flags().String("to", "", "ingested at or before (YYYY-MM-DD or RFC 3339)")
	searchCmd.Flags().Int("limit", 20, "hits per page")
	searchCmd.Flags().Int("offset", 0, "skip this many hits")
	searchCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}

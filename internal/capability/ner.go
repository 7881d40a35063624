package capability

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sells-group/corpus-cli/internal/lang"
	"github.com/sells-group/corpus-cli/internal/model"
)

// HeuristicEntities extracts capitalized spans and types them by suffix,
// title and gazetteer cues. It needs no model and is deterministic.
type HeuristicEntities struct {
	name model.Capability
}

// NewHeuristicEntities creates the "ner" analyzer.
func NewHeuristicEntities() *HeuristicEntities {
	return &HeuristicEntities{name: "ner"}
}

func (h *HeuristicEntities) Name() model.Capability { return h.name }
func (h *HeuristicEntities) Kind() Kind             { return KindEntities }

func (h *HeuristicEntities) Analyze(ctx context.Context, text, _ string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Spans: ExtractSpans(text)}, nil
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}'’&.\-]*`)

type token struct {
	word          string // without a trailing period
	start, end    int    // byte offsets of word in the text
	rawEnd        int    // end including the trailing period
	sentenceStart bool
}

func tokenize(text string) []token {
	locs := wordPattern.FindAllStringIndex(text, -1)
	out := make([]token, 0, len(locs))
	sentenceStart := true
	prevEnd := 0
	for _, loc := range locs {
		gap := text[prevEnd:loc[0]]
		if strings.ContainsAny(gap, "!?\n:;") {
			sentenceStart = true
		}
		raw := text[loc[0]:loc[1]]
		word := strings.TrimRight(raw, ".")
		out = append(out, token{
			word:          word,
			start:         loc[0],
			end:           loc[0] + len(word),
			rawEnd:        loc[1],
			sentenceStart: sentenceStart,
		})
		sentenceStart = len(word) < len(raw) && !bindsForward(word)
		prevEnd = loc[1]
	}
	return out
}

// ExtractSpans returns every entity mention in text, in order of appearance.
func ExtractSpans(text string) []model.Span {
	toks := tokenize(text)
	var spans []model.Span

	i := 0
	for i < len(toks) {
		if !capitalized(toks[i].word) {
			i++
			continue
		}
		j := i + 1
		for j < len(toks) {
			if !joinable(text, toks[j-1], toks[j]) {
				break
			}
			if capitalized(toks[j].word) {
				j++
				continue
			}
			// A connector is kept only between two capitalized words.
			if connectors[toks[j].word] && j+1 < len(toks) && capitalized(toks[j+1].word) && joinable(text, toks[j], toks[j+1]) {
				j += 2
				continue
			}
			break
		}
		if sp, ok := classify(text, toks, i, j); ok {
			spans = append(spans, sp)
		}
		i = j
	}
	return spans
}

// classify turns toks[i:j] into a typed span, trimming leading titles and
// sentence-initial function words.
func classify(text string, toks []token, i, j int) (model.Span, bool) {
	person := false
	for i < j {
		w := strings.ToLower(toks[i].word)
		switch {
		case titles[w]:
			person = true
			i++
			continue
		case toks[i].sentenceStart && sentenceWords[w]:
			i++
			continue
		}
		break
	}
	for j > i && connectors[toks[j-1].word] {
		j--
	}
	if i >= j {
		return model.Span{}, false
	}

	words := make([]string, 0, j-i)
	for _, t := range toks[i:j] {
		words = append(words, t.word)
	}
	surface := text[toks[i].start:toks[j-1].end]
	folded := lang.Fold(surface)
	if len(words) == 1 && (calendarWords[folded] || utf8.RuneCountInString(words[0]) < 2) {
		return model.Span{}, false
	}

	typ := model.EntityMisc
	last := strings.ToLower(strings.TrimRight(words[len(words)-1], "."))
	switch {
	case person:
		typ = model.EntityPerson
	case orgSuffixes[last] || anyOrgWord(words):
		typ = model.EntityOrg
	case places[folded] || (i > 0 && locPrepositions[strings.ToLower(toks[i-1].word)] && len(words) <= 2):
		typ = model.EntityLoc
	case len(words) == 1 && isAcronym(words[0]):
		typ = model.EntityOrg
	case len(words) >= 2 && len(words) <= 3 && allNameLike(words):
		typ = model.EntityPerson
	}
	return model.Span{Text: surface, Type: typ}, true
}

// joinable reports whether b directly continues a: same sentence, separated
// only by spaces or an ampersand.
func joinable(text string, a, b token) bool {
	if b.sentenceStart {
		return false
	}
	if a.rawEnd != a.end && !bindsForward(a.word) {
		return false
	}
	gap := strings.TrimSpace(text[a.rawEnd:b.start])
	return gap == "" || gap == "&"
}

// bindsForward reports whether a word ending in a period still belongs with
// the next word, as in "Dr. Jane" or "J. R. Tolkien".
func bindsForward(w string) bool {
	lw := strings.ToLower(w)
	return titles[lw] || placePrefixes[lw] || isInitials(w)
}

func capitalized(w string) bool {
	r, _ := utf8.DecodeRuneInString(w)
	return unicode.IsUpper(r)
}

func isAcronym(w string) bool {
	n := 0
	for _, r := range w {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			n++
		}
	}
	return n >= 2
}

// isInitials matches "J" or "U.S" (a trailing period already stripped).
func isInitials(w string) bool {
	for _, part := range strings.Split(w, ".") {
		if utf8.RuneCountInString(part) != 1 {
			return false
		}
	}
	return capitalized(w)
}

func anyOrgWord(words []string) bool {
	for _, w := range words {
		if orgWords[strings.ToLower(w)] {
			return true
		}
	}
	return false
}

func allNameLike(words []string) bool {
	for _, w := range words {
		if isAcronym(w) || strings.ContainsAny(w, "0123456789&") || connectors[w] {
			return false
		}
	}
	return true
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var (
	connectors = set("of", "de", "del", "la", "van", "von", "der", "du", "da", "y")

	placePrefixes = set("st", "mt", "ft")

	titles = set("mr", "mrs", "ms", "dr", "prof", "sir", "dame", "president", "senator", "sen", "rep",
		"gov", "governor", "judge", "minister", "chancellor", "ceo", "gen", "general", "señor", "sr", "sra", "madame", "herr", "frau")

	sentenceWords = set("the", "a", "an", "in", "on", "at", "this", "that", "these", "it", "he", "she", "we",
		"they", "but", "and", "or", "however", "after", "before", "when", "while", "if", "as", "for",
		"el", "la", "los", "las", "un", "una", "le", "les", "der", "die", "das", "en", "por")

	orgSuffixes = set("inc", "corp", "corporation", "co", "company", "ltd", "llc", "plc", "gmbh", "ag", "sa", "s.a", "nv", "group", "holdings", "partners")

	orgWords = set("bank", "university", "ministry", "council", "committee", "party", "agency", "department",
		"institute", "association", "commission", "court", "parliament", "congress", "senate", "union",
		"foundation", "fund", "federation", "organization", "organisation", "press", "times", "news",
		"universidad", "ministerio", "banco", "université", "ministère")

	locPrepositions = set("in", "at", "from", "near", "to", "en", "à", "desde", "dans")

	places = set("africa", "america", "asia", "europe", "australia", "antarctica",
		"berlin", "london", "paris", "madrid", "rome", "moscow", "tokyo", "beijing", "washington",
		"new york", "los angeles", "chicago", "brussels", "geneva", "vienna", "stockholm", "oslo",
		"budapest", "mexico", "canada", "china", "france", "germany", "spain", "italy", "russia",
		"japan", "india", "brazil", "sweden", "norway", "hungary", "ukraine", "united states",
		"united kingdom", "u.s", "uk", "eu", "california", "texas", "florida")

	calendarWords = set("monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
		"january", "february", "march", "april", "may", "june", "july", "august", "september",
		"october", "november", "december")
)

package lang

import (
	"sort"

	"github.com/kljensen/snowball"
)

// Analyzer turns text into index terms for one language.
type Analyzer struct {
	code      string // ISO 639-1, "" for the fallback analyzer
	stemmer   string // snowball language name
	stopwords map[string]bool
}

var analyzers = map[string]*Analyzer{
	"en": {code: "en", stemmer: "english", stopwords: wordSet(englishStop)},
	"es": {code: "es", stemmer: "spanish", stopwords: wordSet(spanishStop)},
	"fr": {code: "fr", stemmer: "french", stopwords: wordSet(frenchStop)},
	"ru": {code: "ru", stemmer: "russian"},
	"sv": {code: "sv", stemmer: "swedish"},
	"no": {code: "no", stemmer: "norwegian"},
	"nb": {code: "nb", stemmer: "norwegian"},
	"hu": {code: "hu", stemmer: "hungarian"},
}

var fallback = &Analyzer{}

// For returns the analyzer for an ISO 639-1 code. Unknown or empty codes get
// the fallback analyzer, which folds case but does not stem.
func For(code string) *Analyzer {
	if a, ok := analyzers[code]; ok {
		return a
	}
	return fallback
}

// All returns every analyzer including the fallback, in a stable order.
func All() []*Analyzer {
	codes := make([]string, 0, len(analyzers))
	for c := range analyzers {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	out := make([]*Analyzer, 0, len(codes)+1)
	for _, c := range codes {
		out = append(out, analyzers[c])
	}
	return append(out, fallback)
}

// Code returns the analyzer's language code ("" for the fallback).
func (a *Analyzer) Code() string { return a.code }

// Fallback reports whether this is the language-agnostic analyzer.
func (a *Analyzer) Fallback() bool { return a.stemmer == "" }

// Terms tokenizes text, drops stopwords and stems what remains.
func (a *Analyzer) Terms(text string) []string {
	tokens := Tokenize(text)
	out := tokens[:0]
	for _, tok := range tokens {
		if a.stopwords[tok] {
			continue
		}
		out = append(out, a.stem(tok))
	}
	return out
}

// Term analyzes a single already-isolated word.
func (a *Analyzer) Term(word string) string {
	return a.stem(Fold(word))
}

func (a *Analyzer) stem(tok string) string {
	if a.stemmer == "" || isDigits(tok) {
		return tok
	}
	stemmed, err := snowball.Stem(tok, a.stemmer, false)
	if err != nil || stemmed == "" {
		return tok
	}
	return stemmed
}

func wordSet(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var englishStop = []string{
	"an", "and", "are", "as", "at", "be", "but", "by", "for", "from", "has", "have",
	"he", "her", "his", "in", "into", "is", "it", "its", "of", "on", "or", "she",
	"that", "the", "their", "there", "they", "this", "to", "was", "were", "which",
	"will", "with", "we", "you",
}

var spanishStop = []string{
	"al", "con", "de", "del", "el", "en", "es", "la", "las", "lo", "los", "para",
	"por", "que", "se", "su", "un", "una", "y",
}

var frenchStop = []string{
	"au", "aux", "avec", "ce", "dans", "de", "des", "du", "en", "est", "et", "il",
	"la", "le", "les", "par", "pas", "pour", "que", "qui", "sur", "un", "une",
}

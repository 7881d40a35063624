// Package model defines the canonical record, derived entity, cluster and run types.
package model

import (
	"sort"
	"time"
)

// Candidate is a normalized document handed over by an ingestion collaborator.
type Candidate struct {
	Title           string         `json:"title"`
	Text            string         `json:"text"`
	Origin          string         `json:"origin"`              // file path, URL or other origin identifier
	RowIndex        *int           `json:"row_index,omitempty"` // set for row-derived sub-documents
	SourceFormat    string         `json:"source_format"`       // e.g. "txt", "md", "csv-row", "xlsx-row"
	SourceName      string         `json:"source_name,omitempty"`
	Language        string         `json:"language,omitempty"` // ISO 639-1; detected when empty
	Tags            []string       `json:"tags,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExtractedViaOCR bool           `json:"extracted_via_ocr,omitempty"`
}

// Record is a canonical document in the corpus.
type Record struct {
	ID              string                   `json:"id"`
	Fingerprint     string                   `json:"fingerprint"`
	Origin          string                   `json:"origin"`
	RowIndex        *int                     `json:"row_index,omitempty"`
	SourceName      string                   `json:"source_name,omitempty"`
	SourceFormat    string                   `json:"source_format"`
	Title           string                   `json:"title"`
	Text            string                   `json:"text"`
	Language        string                   `json:"language,omitempty"`
	Tags            []string                 `json:"tags,omitempty"`
	Metadata        map[string]any           `json:"metadata,omitempty"`
	ExtractedViaOCR bool                     `json:"extracted_via_ocr,omitempty"`
	Vector          TermVector               `json:"vector,omitempty"`
	IngestedAt      time.Time                `json:"ingested_at"`
	Cursors         map[Capability]time.Time `json:"cursors,omitempty"`
}

// Cursor returns the last successful coverage time for a capability, or nil.
func (r *Record) Cursor(c Capability) *time.Time {
	t, ok := r.Cursors[c]
	if !ok {
		return nil
	}
	return &t
}

// DueFor reports whether the record is due for a run of capability c that
// started at asOf.
func (r *Record) DueFor(c Capability, asOf time.Time) bool {
	if r.IngestedAt.After(asOf) {
		return false
	}
	cur := r.Cursor(c)
	return cur == nil || cur.Before(asOf)
}

// ZoneCounts holds per-zone term frequencies.
type ZoneCounts struct {
	Title int `json:"t,omitempty"`
	Body  int `json:"b,omitempty"`
}

// TermVector maps an analyzed term to its zone frequencies.
type TermVector map[string]ZoneCounts

// Terms returns the vector's terms in sorted order.
func (v TermVector) Terms() []string {
	terms := make([]string, 0, len(v))
	for t := range v {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

// Watermark normalizes a timestamp to the precision every backend can store.
func Watermark(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

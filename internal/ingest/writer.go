// Package ingest writes candidate documents into the corpus exactly once.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/lang"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/rank"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/internal/store"
)

// ErrEmptyCandidate is returned for candidates with neither title nor text.
var ErrEmptyCandidate = eris.New("ingest: candidate has no title or text")

// Status is the result of writing one candidate.
type Status string

const (
	Inserted Status = "inserted"
	Skipped  Status = "skipped" // a record with the same fingerprint exists
)

// Outcome describes what happened to a candidate.
type Outcome struct {
	Status      Status        `json:"status"`
	Fingerprint string        `json:"fingerprint"`
	Record      *model.Record `json:"record,omitempty"`
}

// Fingerprint returns the hex SHA-256 of the normalized text (title and body
// joined by a newline), the origin and, for row-derived documents, the row
// index.
func Fingerprint(normalized, origin string, rowIndex *int) string {
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(origin))
	if rowIndex != nil {
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(*rowIndex)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Writer inserts candidates as records, skipping ones already present.
type Writer struct {
	store           store.Store
	defaultLanguage string
	retry           resilience.RetryConfig
	now             func() time.Time
	log             *zap.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithDefaultLanguage is used when a candidate has no language and detection
// is inconclusive.
func WithDefaultLanguage(code string) Option {
	return func(w *Writer) { w.defaultLanguage = code }
}

// WithRetry overrides the retry policy for store writes.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(w *Writer) { w.retry = cfg }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a Writer.
func NewWriter(s store.Store, opts ...Option) *Writer {
	w := &Writer{
		store: s,
		retry: resilience.StorageRetryConfig(3),
		now:   time.Now,
		log:   zap.L().With(zap.String("component", "ingest")),
	}
	w.retry.OnRetry = resilience.RetryLogger("ingest", "insert_record")
	for _, o := range opts {
		o(w)
	}
	return w
}

// Write inserts the candidate unless a record with the same fingerprint
// already exists, in which case the existing record is returned with status
// Skipped. Only storage faults are errors.
func (w *Writer) Write(ctx context.Context, c model.Candidate) (*Outcome, error) {
	title := lang.Normalize(c.Title)
	text := lang.Normalize(c.Text)
	if title == "" && text == "" {
		return nil, eris.Wrapf(ErrEmptyCandidate, "ingest: origin %s", c.Origin)
	}

	fp := Fingerprint(title+"\n"+text, c.Origin, c.RowIndex)
	language := w.language(c, title, text)

	rec := &model.Record{
		ID:              uuid.New().String(),
		Fingerprint:     fp,
		Origin:          c.Origin,
		RowIndex:        c.RowIndex,
		SourceName:      c.SourceName,
		SourceFormat:    c.SourceFormat,
		Title:           title,
		Text:            text,
		Language:        language,
		Tags:            c.Tags,
		Metadata:        c.Metadata,
		ExtractedViaOCR: c.ExtractedViaOCR,
		Vector:          rank.BuildVector(title, text, language),
		IngestedAt:      model.Watermark(w.now()),
	}

	inserted, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (bool, error) {
		return w.store.InsertRecord(ctx, rec)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: insert %s", c.Origin)
	}
	if inserted {
		w.log.Debug("record inserted",
			zap.String("record_id", rec.ID),
			zap.String("origin", rec.Origin),
			zap.String("language", rec.Language),
		)
		return &Outcome{Status: Inserted, Fingerprint: fp, Record: rec}, nil
	}

	existing, err := w.store.GetRecordByFingerprint(ctx, fp)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load existing record for %s", c.Origin)
	}
	w.log.Debug("duplicate skipped",
		zap.String("record_id", existing.ID),
		zap.String("origin", c.Origin),
	)
	return &Outcome{Status: Skipped, Fingerprint: fp, Record: existing}, nil
}

// language picks the candidate's declared language, then the detected one,
// then the writer default.
func (w *Writer) language(c model.Candidate, title, text string) string {
	if code := strings.ToLower(strings.TrimSpace(c.Language)); code != "" {
		return code
	}
	if code := lang.Detect(title + "\n" + text); code != "" {
		return code
	}
	return w.defaultLanguage
}

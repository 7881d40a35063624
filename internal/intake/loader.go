package intake

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
)

// maxDocumentBytes bounds how much of a single file or response is read.
const maxDocumentBytes = 64 << 20

// DocumentError reports a document (or JSONL line) that could not be turned
// into a candidate. The rest of the source is still read.
type DocumentError struct {
	Origin string
	Err    error
}

func (e *DocumentError) Error() string { return e.Origin + ": " + e.Err.Error() }

func (e *DocumentError) Unwrap() error { return e.Err }

// Loader reads sources into candidates.
type Loader struct {
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	onBad   func(*DocumentError)
	log     *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient sets the client used for url sources.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.client = c }
}

// WithRateLimit caps url and ftp source requests per second.
func WithRateLimit(perSec float64) LoaderOption {
	return func(l *Loader) {
		if perSec > 0 {
			l.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// WithRetry overrides the retry policy for url sources.
func WithRetry(cfg resilience.RetryConfig) LoaderOption {
	return func(l *Loader) { l.retry = cfg }
}

// WithDocumentErrors receives documents that were skipped.
func WithDocumentErrors(fn func(*DocumentError)) LoaderOption {
	return func(l *Loader) { l.onBad = fn }
}

// NewLoader creates a Loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(5, 1),
		retry:   resilience.DefaultRetryConfig(),
		log:     zap.L().With(zap.String("component", "intake")),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Stream reads every document of src and sends its candidates.
// Caller must consume the candidate channel. A fatal error (unreadable
// location, cancellation) is sent on the error channel; per-document problems
// go to the document error handler. Both channels are closed when done.
func (l *Loader) Stream(ctx context.Context, src Source) (<-chan model.Candidate, <-chan error) {
	outCh := make(chan model.Candidate, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		emit := func(c model.Candidate) error {
			applySource(&c, src)
			select {
			case outCh <- c:
				return nil
			case <-ctx.Done():
				return eris.Wrap(ctx.Err(), "intake: context cancelled")
			}
		}

		var err error
		switch src.Type {
		case TypeURL:
			err = l.streamURL(ctx, src, emit)
		case TypeFTP:
			err = l.streamFTP(ctx, src, emit)
		default:
			err = l.streamLocal(ctx, src, emit)
		}
		if err != nil {
			errCh <- err
		}
	}()

	return outCh, errCh
}

func (l *Loader) streamLocal(ctx context.Context, src Source, emit func(model.Candidate) error) error {
	files, err := expandLocal(src)
	if err != nil {
		return err
	}
	l.log.Debug("intake: resolved local source",
		zap.String("source", src.Name),
		zap.Int("files", len(files)),
	)

	for _, f := range files {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "intake: context cancelled")
		}
		raw, err := readFile(f)
		if err != nil {
			l.bad(f, err)
			continue
		}
		origin, err := filepath.Abs(f)
		if err != nil {
			origin = filepath.Clean(f)
		}
		format := src.Format
		if format == "" {
			format = FormatFor(f)
		}
		if err := l.parse(raw, origin, format, src, emit); err != nil {
			return err
		}
	}
	return nil
}

// expandLocal resolves a file, directory (recursive) or glob to the files a
// loader handles, in lexical order.
func expandLocal(src Source) ([]string, error) {
	loc := src.Location
	if strings.ContainsAny(loc, "*?[") {
		matches, err := filepath.Glob(loc)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: glob %s", loc)
		}
		slices.Sort(matches)
		return filterSupported(matches, src.Format), nil
	}

	info, err := os.Stat(loc)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: source %s", src.Name)
	}
	if !info.IsDir() {
		return []string{loc}, nil
	}

	var files []string
	err = filepath.WalkDir(loc, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != loc && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "intake: walk %s", loc)
	}
	return filterSupported(files, src.Format), nil
}

func filterSupported(files []string, format string) []string {
	out := files[:0]
	for _, f := range files {
		if info, err := os.Stat(f); err != nil || info.IsDir() {
			continue
		}
		ff := FormatFor(f)
		if ff == "" || (format != "" && ff != format) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func readFile(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrap(err, "intake: open")
	}
	defer f.Close() //nolint:errcheck
	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "intake: read")
	}
	if len(raw) > maxDocumentBytes {
		return nil, eris.Errorf("intake: document exceeds %d bytes", maxDocumentBytes)
	}
	return raw, nil
}

func (l *Loader) streamURL(ctx context.Context, src Source, emit func(model.Candidate) error) error {
	raw, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) ([]byte, error) {
		return l.download(ctx, src.Location)
	})
	if err != nil {
		return eris.Wrapf(err, "intake: download %s", src.Location)
	}

	format := src.Format
	if format == "" {
		if u, err := url.Parse(src.Location); err == nil {
			format = FormatFor(u.Path)
		}
	}
	return l.parse(raw, src.Location, format, src, emit)
}

func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", "corpus-cli/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	return readLimited(resp.Body)
}

// parse converts one document into candidates.
func (l *Loader) parse(raw []byte, origin, format string, src Source, emit func(model.Candidate) error) error {
	var cands []model.Candidate
	switch format {
	case FormatText, FormatMD:
		c, err := ParseText(raw, origin, format)
		if err != nil {
			l.bad(origin, err)
			return nil
		}
		cands = []model.Candidate{c}

	case FormatCSV, FormatXLSX:
		rows, sheet, err := readTable(raw, origin, format, src)
		if err != nil {
			l.bad(origin, err)
			return nil
		}
		if src.RowMapping {
			cands, err = MapRows(rows, origin, format, RowMapping{
				TitleColumn: src.TitleColumn,
				TextColumns: src.TextColumns,
			})
			if err != nil {
				l.bad(origin, err)
				return nil
			}
		} else if body := JoinRows(rows); body != "" {
			cands = []model.Candidate{{
				Title:        TitleFromName(origin),
				Text:         body,
				Origin:       origin,
				SourceFormat: format,
				Metadata:     map[string]any{"source_filename": filepath.Base(origin)},
			}}
		}
		if sheet != "" {
			for i := range cands {
				cands[i].Metadata["sheet"] = sheet
			}
		}

	case FormatJSONL:
		var err error
		cands, err = ParseJSONL(raw, origin, func(line int, err error) {
			l.bad(origin, err)
		})
		if err != nil {
			l.bad(origin, err)
		}

	default:
		l.bad(origin, eris.Errorf("intake: no loader for format %q", format))
		return nil
	}

	for _, c := range cands {
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}

func readTable(raw []byte, origin, format string, src Source) ([][]string, string, error) {
	if format == FormatXLSX {
		return ReadXLSX(raw, src.Sheet)
	}
	var delim rune
	if src.Delimiter != "" {
		delim = []rune(src.Delimiter)[0]
	}
	rows, err := ReadCSV(raw, origin, delim)
	return rows, "", err
}

func (l *Loader) bad(origin string, err error) {
	de := &DocumentError{Origin: origin, Err: err}
	l.log.Warn("intake: skipping document", zap.String("origin", origin), zap.Error(err))
	if l.onBad != nil {
		l.onBad(de)
	}
}

// applySource fills candidate fields the document left empty from the source.
func applySource(c *model.Candidate, src Source) {
	if c.SourceName == "" {
		c.SourceName = src.Name
	}
	if c.Language == "" {
		c.Language = src.Language
	}
	for _, t := range src.Tags {
		if !slices.Contains(c.Tags, t) {
			c.Tags = append(c.Tags, t)
		}
	}
}

// Package intake turns configured sources (local files, directories, globs,
// HTTP and FTP locations) into candidate documents for the ingest writer.
package intake

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Source types.
const (
	TypeLocal = "local"
	TypeURL   = "url"
	TypeFTP   = "ftp"
)

// Document formats understood by the loaders.
const (
	FormatText  = "txt"
	FormatMD    = "md"
	FormatCSV   = "csv"
	FormatXLSX  = "xlsx"
	FormatJSONL = "jsonl"
)

// Manifest lists the sources an ingest run reads.
type Manifest struct {
	Sources []Source `yaml:"sources"`
}

// Source describes one place documents come from.
type Source struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`     // local (default), url or ftp
	Location string   `yaml:"location"` // file, directory, glob or URL
	Format   string   `yaml:"format"`   // inferred from the extension when empty
	Active   *bool    `yaml:"active"`   // defaults to true
	Language string   `yaml:"language"` // applied when a document carries none
	Tags     []string `yaml:"tags"`

	// Row mapping turns every CSV/XLSX data row into its own document.
	RowMapping  bool     `yaml:"row_mapping"`
	TitleColumn string   `yaml:"title_column"`
	TextColumns []string `yaml:"text_columns"`
	Sheet       string   `yaml:"sheet"`
	Delimiter   string   `yaml:"delimiter"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(p string) (*Manifest, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: read manifest %s", p)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, eris.Wrapf(err, "intake: parse manifest %s", p)
	}

	seen := make(map[string]bool, len(m.Sources))
	for i := range m.Sources {
		src := &m.Sources[i]
		if src.Type == "" {
			src.Type = TypeLocal
		}
		// Relative local paths are resolved against the manifest's directory.
		if src.Type == TypeLocal && src.Location != "" && !filepath.IsAbs(src.Location) {
			src.Location = filepath.Join(filepath.Dir(p), src.Location)
		}
		if err := src.Validate(); err != nil {
			return nil, eris.Wrapf(err, "intake: source #%d", i+1)
		}
		if seen[src.Name] {
			return nil, eris.Errorf("intake: duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}
	return &m, nil
}

// ActiveSources returns the sources that are not switched off.
func (m *Manifest) ActiveSources() []Source {
	var out []Source
	for _, s := range m.Sources {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

// Find returns the named source.
func (m *Manifest) Find(name string) (Source, bool) {
	for _, s := range m.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return Source{}, false
}

// IsActive reports whether the source should be ingested.
func (s Source) IsActive() bool {
	return s.Active == nil || *s.Active
}

// Validate checks the source is complete.
func (s Source) Validate() error {
	if s.Name == "" {
		return eris.New("name is required")
	}
	if s.Location == "" {
		return eris.Errorf("source %q: location is required", s.Name)
	}
	switch s.Type {
	case "", TypeLocal:
	case TypeURL:
		if !strings.HasPrefix(s.Location, "http://") && !strings.HasPrefix(s.Location, "https://") {
			return eris.Errorf("source %q: url location must be http(s)", s.Name)
		}
	case TypeFTP:
		if _, err := parseFTPLocation(s.Location); err != nil {
			return eris.Wrapf(err, "source %q", s.Name)
		}
	default:
		return eris.Errorf("source %q: unsupported type %q", s.Name, s.Type)
	}
	if s.Format != "" && !knownFormat(s.Format) {
		return eris.Errorf("source %q: unsupported format %q", s.Name, s.Format)
	}
	if len([]rune(s.Delimiter)) > 1 {
		return eris.Errorf("source %q: delimiter must be a single character", s.Name)
	}
	return nil
}

func knownFormat(f string) bool {
	switch f {
	case FormatText, FormatMD, FormatCSV, FormatXLSX, FormatJSONL:
		return true
	}
	return false
}

// FormatFor maps a file name or URL path to a document format. It returns ""
// for files no loader handles.
func FormatFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".txt", ".text":
		return FormatText
	case ".md", ".markdown":
		return FormatMD
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	case ".jsonl", ".ndjson":
		return FormatJSONL
	}
	return ""
}

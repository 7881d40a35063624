package intake

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/htmlindex"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/language"

	"github.com/sells-group/corpus-cli/internal/model"
)

// legacyEncoding is assumed for text that is neither BOM-marked nor valid UTF-8.
const legacyEncoding = "windows-1252"

// DecodeText converts raw file bytes to a string and reports the encoding used.
func DecodeText(raw []byte) (string, string, error) {
	switch {
	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		return string(raw[3:]), "utf-8", nil
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}):
		out, err := xunicode.UTF16(xunicode.LittleEndian, xunicode.UseBOM).NewDecoder().Bytes(raw)
		return string(out), "utf-16le", eris.Wrap(err, "intake: decode utf-16le")
	case bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		out, err := xunicode.UTF16(xunicode.BigEndian, xunicode.UseBOM).NewDecoder().Bytes(raw)
		return string(out), "utf-16be", eris.Wrap(err, "intake: decode utf-16be")
	}

	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}

	enc, err := htmlindex.Get(legacyEncoding)
	if err != nil {
		return "", "", eris.Wrap(err, "intake: lookup legacy encoding")
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", "", eris.Wrap(err, "intake: decode legacy encoding")
	}
	return string(out), legacyEncoding, nil
}

// TitleFromName derives a title from a file name: the stem with dashes and
// underscores turned into spaces, title-cased.
func TitleFromName(name string) string {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.NewReplacer("-", " ", "_", " ").Replace(stem)
	return cases.Title(language.Und).String(strings.Join(strings.Fields(stem), " "))
}

// ParseText builds a candidate from a plain text or markdown document. A
// leading "# " heading becomes the title; otherwise the file name does.
func ParseText(raw []byte, origin, format string) (model.Candidate, error) {
	content, encoding, err := DecodeText(raw)
	if err != nil {
		return model.Candidate{}, err
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")

	lines := strings.Split(content, "\n")
	var title string
	if len(lines) > 0 && strings.HasPrefix(lines[0], "# ") {
		title = strings.TrimSpace(lines[0][2:])
		lines = lines[1:]
	} else {
		title = TitleFromName(origin)
	}

	body := strings.TrimSpace(strings.Join(lines, "\n"))
	if body == "" && title == "" {
		return model.Candidate{}, eris.Errorf("intake: %s is empty", origin)
	}

	return model.Candidate{
		Title:        title,
		Text:         body,
		Origin:       origin,
		SourceFormat: format,
		Metadata: map[string]any{
			"source_filename":   filepath.Base(origin),
			"detected_encoding": encoding,
		},
	}, nil
}

package intake

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/corpus-cli/internal/model"
)

// ReadCSV parses delimited text into rows. A zero delimiter means ',' or, for
// .tsv origins, a tab.
func ReadCSV(raw []byte, origin string, delimiter rune) ([][]string, error) {
	content, _, err := DecodeText(raw)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(content))
	switch {
	case delimiter != 0:
		reader.Comma = delimiter
	case strings.EqualFold(filepath.Ext(origin), ".tsv"):
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		rows = append(rows, record)
	}
}

// ReadXLSX returns the rows of one sheet. An empty sheet name selects the
// first sheet.
func ReadXLSX(raw []byte, sheetName string) ([][]string, string, error) {
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return nil, "", eris.Wrap(err, "xlsx: open file")
	}

	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, "", eris.Errorf("xlsx: sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, "", eris.New("xlsx: workbook has no sheets")
		}
		sheet = f.Sheets[0]
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, cells)
	}
	return rows, sheet.Name, nil
}

// RowMapping selects the columns a row-mapped document is built from.
type RowMapping struct {
	TitleColumn string
	TextColumns []string
}

// MapRows turns a header row plus data rows into one candidate per row. Data
// rows whose text columns are all empty are skipped. The row index is the
// zero-based position among data rows, so it stays stable when blank rows are
// dropped.
func MapRows(rows [][]string, origin, format string, mapping RowMapping) ([]model.Candidate, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	lookup := func(name string) (int, error) {
		i, ok := index[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, eris.Errorf("intake: %s has no column %q", origin, name)
		}
		return i, nil
	}

	titleCol := -1
	if mapping.TitleColumn != "" {
		i, err := lookup(mapping.TitleColumn)
		if err != nil {
			return nil, err
		}
		titleCol = i
	}

	var textCols []int
	if len(mapping.TextColumns) > 0 {
		for _, name := range mapping.TextColumns {
			i, err := lookup(name)
			if err != nil {
				return nil, err
			}
			textCols = append(textCols, i)
		}
	} else {
		for i := range header {
			if i != titleCol {
				textCols = append(textCols, i)
			}
		}
	}
	isText := make(map[int]bool, len(textCols))
	for _, i := range textCols {
		isText[i] = true
	}

	stemTitle := TitleFromName(origin)
	var out []model.Candidate
	for n, row := range rows[1:] {
		rowIndex := n
		cell := func(i int) string {
			if i < len(row) {
				return row[i]
			}
			return ""
		}

		var parts []string
		for _, i := range textCols {
			v := cell(i)
			if v == "" {
				continue
			}
			if len(textCols) == 1 {
				parts = append(parts, v)
			} else {
				parts = append(parts, header[i]+": "+v)
			}
		}
		if len(parts) == 0 {
			continue
		}

		title := ""
		if titleCol >= 0 {
			title = cell(titleCol)
		}
		if title == "" {
			title = fmt.Sprintf("%s #%d", stemTitle, rowIndex+1)
		}

		fields := make(map[string]any)
		for i, h := range header {
			if i == titleCol || isText[i] || cell(i) == "" {
				continue
			}
			fields[h] = cell(i)
		}
		meta := map[string]any{
			"source_filename": filepath.Base(origin),
			"row_index":       rowIndex,
		}
		if len(fields) > 0 {
			meta["fields"] = fields
		}

		out = append(out, model.Candidate{
			Title:        title,
			Text:         strings.Join(parts, "\n"),
			Origin:       origin,
			RowIndex:     &rowIndex,
			SourceFormat: format + "-row",
			Metadata:     meta,
		})
	}
	return out, nil
}

// JoinRows flattens a table into one tab-separated document body.
func JoinRows(rows [][]string) string {
	var b bytes.Buffer
	for _, row := range rows {
		line := strings.TrimRight(strings.Join(row, "\t"), "\t")
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

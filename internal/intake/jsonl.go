package intake

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
)

const maxJSONLLine = 16 << 20

// ParseJSONL decodes one pre-normalized candidate per line. Blank lines are
// ignored. Lines that fail to decode are reported through bad and skipped.
// Candidates without an origin get "<origin>#L<line>".
func ParseJSONL(raw []byte, origin string, bad func(line int, err error)) ([]model.Candidate, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)

	var out []model.Candidate
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var c model.Candidate
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			bad(line, eris.Wrapf(err, "jsonl: decode line %d", line))
			continue
		}
		if strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.Title) == "" {
			bad(line, eris.Errorf("jsonl: line %d has no title or text", line))
			continue
		}
		if c.Origin == "" {
			c.Origin = fmt.Sprintf("%s#L%d", origin, line)
		}
		if c.SourceFormat == "" {
			c.SourceFormat = FormatJSONL
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return out, eris.Wrap(err, "jsonl: scan")
	}
	return out, nil
}

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/rank"
)

func TestBuildFilters(t *testing.T) {
	f, err := buildFilters([]string{"news", " "}, []string{"energy"}, nil, []string{"en"}, "2026-03-01", "2026-03-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"news"}, f.Sources)
	assert.Equal(t, []string{"energy"}, f.Tags)
	assert.Nil(t, f.ClusterIDs)
	assert.Equal(t, []string{"en"}, f.Languages)
	require.NotNil(t, f.From)
	require.NotNil(t, f.To)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *f.From)
	// A bare end date covers the whole day.
	assert.Equal(t, time.Date(2026, 3, 31, 23, 59, 59, 999999000, time.UTC), *f.To)
}

func TestBuildFilters_RFC3339(t *testing.T) {
	f, err := buildFilters(nil, nil, nil, nil, "2026-03-01T10:00:00+02:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), *f.From)
	assert.Nil(t, f.To)
}

func TestBuildFilters_Invalid(t *testing.T) {
	_, err := buildFilters(nil, nil, nil, nil, "yesterday", "")
	assert.Error(t, err)
	_, err = buildFilters(nil, nil, nil, nil, "", "03/01/2026")
	assert.Error(t, err)
	_, err = buildFilters(nil, nil, nil, nil, "2026-04-01", "2026-03-01")
	assert.Error(t, err)
}

func TestFormatResults(t *testing.T) {
	var buf bytes.Buffer
	formatResults(&buf, &rank.Results{Query: "oil"})
	assert.Contains(t, buf.String(), `No matches for "oil"`)

	buf.Reset()
	formatResults(&buf, &rank.Results{
		Query: "oil", Total: 3, Offset: 1,
		Hits: []rank.Hit{
			{RecordID: "rec-2", Title: "Oil Markets", Language: "en", SourceName: "news", Score: 1.25},
			{RecordID: "rec-3", Title: "Crude", Language: "en", Score: 0.5},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "1.250")
	assert.Contains(t, out, "Oil Markets")
	assert.Contains(t, out, "2-3 of 3")
}

package lang

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapse spaces", "a   b\t c", "a b c"},
		{"keep paragraph breaks", "first line\n\n\nsecond", "first line\nsecond"},
		{"trim", "  padded  ", "padded"},
		{"nfkc ligature", "ﬁle", "file"},
		{"drop control", "a\u0007b", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestFold(t *testing.T) {
	assert.Equal(t, "acme corp", Fold("  ACME   Corp "))
	assert.Equal(t, Fold("Straße"), Fold("STRASSE"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42", "7"}, Tokenize("Hello, world! 42 a 7"))
	assert.Empty(t, Tokenize("  ...  "))
}

func TestAnalyzer_English(t *testing.T) {
	a := For("en")
	assert.False(t, a.Fallback())
	assert.Equal(t, "en", a.Code())
	assert.Equal(t, []string{"run", "market"}, a.Terms("The running of the markets"))
}

func TestAnalyzer_Fallback(t *testing.T) {
	a := For("")
	assert.True(t, a.Fallback())
	assert.Equal(t, []string{"the", "running", "markets"}, a.Terms("The running markets"))
	assert.Same(t, a, For("xx"))
}

func TestAll_IncludesFallbackLast(t *testing.T) {
	all := All()
	assert.True(t, all[len(all)-1].Fallback())
	assert.Equal(t, "en", all[0].Code())
}

func TestDetect_ShortTextUndetected(t *testing.T) {
	assert.Equal(t, "", Detect("hi"))
}

func TestDetect_English(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog while the farmer watches from the distant hills."
	assert.Equal(t, "en", Detect(text))
}

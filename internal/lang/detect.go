package lang

import (
	"github.com/abadojack/whatlanggo"
)

// minDetectRunes is the shortest text detection is attempted on.
const minDetectRunes = 24

// Detect returns the ISO 639-1 code of the text's language, or "" when the
// text is too short or detection is not reliable.
func Detect(text string) string {
	if len([]rune(text)) < minDetectRunes {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

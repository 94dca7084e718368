package eligibility

import (
	"unicode"

	"github.com/abadojack/whatlanggo"
)

// Detector guesses the natural language of a text. ok is false when no
// language could be determined.
type Detector interface {
	Detect(text string) (code string, ok bool)
}

// WhatlangDetector reports ISO 639-1 codes. Any kana makes the text
// Japanese; otherwise whatlanggo decides.
type WhatlangDetector struct{}

func (WhatlangDetector) Detect(text string) (code string, ok bool) {
	if hasKana(text) {
		return "ja", true
	}

	defer func() {
		if r := recover(); r != nil {
			code, ok = "", false
		}
	}()

	info := whatlanggo.Detect(text)
	code = info.Lang.Iso6391()
	if code == "" {
		return "", false
	}
	return code, true
}

func hasKana(text string) bool {
	for _, r := range text {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana) {
			return true
		}
	}
	return false
}

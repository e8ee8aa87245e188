package transcription

import (
	"strings"

	"github.com/dlclark/regexp2"
)

// thaiRepeat matches a run of Thai characters immediately repeated one or
// more times. RE2 has no backreferences, hence regexp2.
var thaiRepeat = regexp2.MustCompile(`([\u0E00-\u0E7F]+?)\1+`, regexp2.None)

// CollapseRepeatedWords drops whitespace-delimited tokens equal to the one
// before them. The result is joined by single spaces.
func CollapseRepeatedWords(text string) string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(out) > 0 && out[len(out)-1] == w {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// CollapseThaiRepeats replaces immediately repeated Thai substrings with a
// single occurrence, which whisper tends to produce on long silences.
func CollapseThaiRepeats(text string) string {
	out, err := thaiRepeat.Replace(text, "$1", -1, -1)
	if err != nil {
		return text
	}
	return out
}

// Clean applies word then Thai repeat collapsing.
func Clean(text string) string {
	return CollapseThaiRepeats(CollapseRepeatedWords(text))
}

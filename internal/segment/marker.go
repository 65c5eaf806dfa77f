package segment

import (
	"regexp"
	"strings"
)

// Marker finds the completion point in a buffer. It returns the completed
// head, the remaining tail and whether a split was found. The head is not
// trimmed; the Segmenter does that.
type Marker func(buf string) (head, rest string, ok bool)

// punctuationCandidates are tried in order. The first one present in the
// buffer wins, at its last occurrence.
var punctuationCandidates = []string{"?", "!", ". "}

// Punctuation splits after the last sentence terminator. It suits model
// output, which arrives as larger deltas.
func Punctuation(buf string) (string, string, bool) {
	for _, c := range punctuationCandidates {
		if i := strings.LastIndex(buf, c); i >= 0 {
			return buf[:i+1], buf[i+1:], true
		}
	}
	return "", buf, false
}

// interactiveRe matches a terminator preceded by two letters and followed by
// a space, or a run of line breaks. The two-letter lookbehind keeps
// abbreviations such as "z.B. " together.
var interactiveRe = regexp.MustCompile(`\p{L}\p{L}[?!.] |[\r\n]+`)

// Interactive splits at the last sentence end or line break. It suits
// character-by-character input from recognition or a live reply.
func Interactive(buf string) (string, string, bool) {
	all := interactiveRe.FindAllStringIndex(buf, -1)
	if len(all) == 0 {
		return "", buf, false
	}
	m := all[len(all)-1]
	if c := buf[m[0]]; c == '\r' || c == '\n' {
		return buf[:m[0]], buf[m[1]:], true
	}
	// Keep the terminator, leave the space in the tail.
	return buf[:m[1]-1], buf[m[1]-1:], true
}

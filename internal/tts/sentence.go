package tts

import "strings"

// SentenceBuffer accumulates streamed text and releases complete sentences
// so synthesis can start before the whole reply exists.
type SentenceBuffer struct {
	buf strings.Builder
}

// Add appends text and returns any sentences it completed.
func (b *SentenceBuffer) Add(text string) []string {
	b.buf.WriteString(text)
	content := b.buf.String()

	var out []string
	last := 0
	for i := 0; i < len(content); i++ {
		if !sentenceEnd(content, i) {
			continue
		}
		if s := strings.TrimSpace(content[last : i+1]); s != "" {
			out = append(out, s)
		}
		last = i + 1
	}
	if last > 0 {
		rest := content[last:]
		b.buf.Reset()
		b.buf.WriteString(rest)
	}
	return out
}

// Flush returns whatever is left and clears the buffer.
func (b *SentenceBuffer) Flush() string {
	s := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return s
}

var abbreviations = []string{
	"dr.", "mr.", "mrs.", "ms.", "jr.", "sr.", "st.",
	"inc.", "ltd.", "co.", "vs.", "etc.", "e.g.", "i.e.", "a.m.", "p.m.",
}

// sentenceEnd reports whether s[i] terminates a sentence. The terminator must
// be followed by whitespace; end of input does not count because more text
// may still arrive.
func sentenceEnd(s string, i int) bool {
	c := s[i]
	if c != '.' && c != '!' && c != '?' {
		return false
	}
	if i+1 >= len(s) {
		return false
	}
	switch s[i+1] {
	case ' ', '\n', '\r', '\t':
	default:
		return false
	}
	if c != '.' {
		return true
	}
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := strings.ToLower(s[start : i+1])
	for _, a := range abbreviations {
		if word == a {
			return false
		}
	}
	// single initials such as "J."
	if i-start == 1 && s[start] >= 'A' && s[start] <= 'Z' {
		return false
	}
	return true
}

// Package segment splits document text into ordered, speakable chunks.
//
// A chunk is ideally one sentence. Text without sentence-terminal
// punctuation falls back to fixed-length slices so playback can always
// make forward progress, and fragments below a minimum length are merged
// into a neighbour because some speech devices error on trivial input.
package segment

import (
	"strings"
)

// Chunk is one speakable unit of a document. Chunks are immutable and
// ordered; Index matches the chunk's position in the source text.
type Chunk struct {
	Index int
	Text  string
}

// Options bound chunk sizes. Zero values fall back to defaults.
type Options struct {
	MaxChunkChars int
	MinChunkChars int
}

const (
	defaultMaxChunkChars = 200
	defaultMinChunkChars = 4
)

func (o Options) withDefaults() Options {
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = defaultMaxChunkChars
	}
	if o.MinChunkChars <= 0 {
		o.MinChunkChars = defaultMinChunkChars
	}
	if o.MinChunkChars >= o.MaxChunkChars {
		o.MinChunkChars = 0
	}
	return o
}

// Split segments text into chunks. It is deterministic: the same text and
// options always produce the same chunk sequence. Empty or whitespace-only
// text yields no chunks.
func Split(text string, opts Options) []Chunk {
	opts = opts.withDefaults()

	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil
	}

	units := splitSentences(cleaned)
	if len(units) == 0 {
		units = sliceFixed(cleaned, opts.MaxChunkChars)
	}

	units = sliceOversized(units, opts.MaxChunkChars)
	units = mergeFragments(units, opts.MinChunkChars)

	chunks := make([]Chunk, 0, len(units))
	for i, u := range units {
		chunks = append(chunks, Chunk{Index: i, Text: u})
	}
	return chunks
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// splitSentences scans for sentence-terminal punctuation. Runs of
// terminals ("?!", "...") stay attached to the sentence they close.
// Trailing text without a terminator is returned as a final unit.
func splitSentences(text string) []string {
	var units []string
	var sb strings.Builder
	inTerminal := false

	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			units = append(units, s)
		}
		sb.Reset()
	}

	for _, r := range text {
		if isTerminal(r) {
			sb.WriteRune(r)
			inTerminal = true
			continue
		}
		if inTerminal {
			flush()
			inTerminal = false
		}
		sb.WriteRune(r)
	}
	flush()

	if len(units) == 1 && !strings.ContainsFunc(units[0], isTerminal) {
		// No boundary found at all; let the caller fall back to slicing.
		return nil
	}
	return units
}

// sliceFixed cuts text into bounded slices, preferring to break at the
// last whitespace inside the bound so words stay intact.
func sliceFixed(text string, max int) []string {
	var units []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= max {
			if s := strings.TrimSpace(string(runes)); s != "" {
				units = append(units, s)
			}
			break
		}
		cut := max
		for i := max; i > max/2; i-- {
			if isSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		if s := strings.TrimSpace(string(runes[:cut])); s != "" {
			units = append(units, s)
		}
		runes = runes[cut:]
	}
	return units
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func sliceOversized(units []string, max int) []string {
	var out []string
	for _, u := range units {
		if len([]rune(u)) <= max {
			out = append(out, u)
			continue
		}
		out = append(out, sliceFixed(u, max)...)
	}
	return out
}

// mergeFragments folds units shorter than min into the previous unit, or
// the next one when there is no previous. A lone undersized unit is kept
// as-is rather than dropped so the document text stays covered.
func mergeFragments(units []string, min int) []string {
	if min <= 0 || len(units) < 2 {
		return units
	}
	var out []string
	for _, u := range units {
		if len([]rune(u)) < min && len(out) > 0 {
			out[len(out)-1] = out[len(out)-1] + " " + u
			continue
		}
		out = append(out, u)
	}
	if len(out) > 1 && len([]rune(out[0])) < min {
		out[1] = out[0] + " " + out[1]
		out = out[1:]
	}
	return out
}

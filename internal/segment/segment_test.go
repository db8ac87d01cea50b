package segment

import (
	"strings"
	"testing"
)

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func TestSplitSentences(t *testing.T) {
	chunks := Split("Hello. World. Done.", Options{})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	want := []string{"Hello.", "World.", "Done."}
	for i, w := range want {
		if chunks[i].Text != w {
			t.Fatalf("chunk %d: expected %q, got %q", i, w, chunks[i].Text)
		}
		if chunks[i].Index != i {
			t.Fatalf("chunk %d: expected index %d, got %d", i, i, chunks[i].Index)
		}
	}
}

func TestSplitEmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t  \n"} {
		if chunks := Split(text, Options{}); len(chunks) != 0 {
			t.Fatalf("expected no chunks for %q, got %v", text, chunks)
		}
	}
}

func TestSplitKeepsTerminalRuns(t *testing.T) {
	chunks := Split("Really?! Yes... Fine!", Options{})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %v", chunks)
	}
	if chunks[0].Text != "Really?!" {
		t.Fatalf("expected terminal run kept, got %q", chunks[0].Text)
	}
	if chunks[1].Text != "Yes..." {
		t.Fatalf("expected ellipsis kept, got %q", chunks[1].Text)
	}
}

func TestSplitFallbackWithoutPunctuation(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 20) // no terminals
	chunks := Split(text, Options{MaxChunkChars: 100})
	if len(chunks) < 2 {
		t.Fatalf("expected fixed-length fallback to produce multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.Text == "" {
			t.Fatalf("chunk %d is empty", c.Index)
		}
		if n := len([]rune(c.Text)); n > 100 {
			t.Fatalf("chunk %d exceeds bound: %d chars", c.Index, n)
		}
	}
}

func TestSplitSlicesOversizedSentence(t *testing.T) {
	long := strings.Repeat("word ", 60) + "end."
	chunks := Split("Short one. "+long, Options{MaxChunkChars: 80})
	for _, c := range chunks {
		if n := len([]rune(c.Text)); n > 80 {
			t.Fatalf("chunk %d exceeds bound: %d chars (%q)", c.Index, n, c.Text)
		}
	}
}

func TestSplitMergesTinyFragments(t *testing.T) {
	chunks := Split("Dr. Who arrived late. He left early.", Options{MinChunkChars: 4})
	for _, c := range chunks {
		if len([]rune(c.Text)) < 4 {
			t.Fatalf("fragment below threshold survived: %q", c.Text)
		}
	}
}

func TestSplitCoversSourceText(t *testing.T) {
	texts := []string{
		"Hello. World. Done.",
		"One sentence without any end",
		"A? B! C. Trailing words with no terminator",
		"Mixed   whitespace\n\nacross. Lines! here",
	}
	for _, text := range texts {
		chunks := Split(text, Options{})
		var parts []string
		for _, c := range chunks {
			if strings.TrimSpace(c.Text) == "" {
				t.Fatalf("empty chunk for %q", text)
			}
			parts = append(parts, c.Text)
		}
		got := collapse(strings.Join(parts, " "))
		want := collapse(text)
		if got != want {
			t.Fatalf("reconstruction mismatch for %q:\n got: %q\nwant: %q", text, got, want)
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := "Alpha beta. Gamma delta! Epsilon zeta? No terminator tail"
	a := Split(text, Options{MaxChunkChars: 120, MinChunkChars: 4})
	b := Split(text, Options{MaxChunkChars: 120, MinChunkChars: 4})
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

// Package document models a loaded document and its speakable chunks.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/voxread-labs/voxread-core/internal/segment"
)

// Document holds extracted text and its derived chunk list. A Document is
// built once on load and never mutated; loading new text replaces it
// wholesale.
type Document struct {
	ID     string
	Text   string
	Chunks []segment.Chunk
}

// New builds a Document from cleaned text. When id is empty a stable
// content-derived id is used so progress records survive reloads of the
// same file.
func New(id, text string, opts segment.Options) Document {
	cleaned := strings.TrimSpace(text)
	if id == "" {
		id = DeriveID(cleaned)
	}
	return Document{
		ID:     id,
		Text:   cleaned,
		Chunks: segment.Split(cleaned, opts),
	}
}

// DeriveID returns a stable identifier for the given text.
func DeriveID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// Empty reports whether the document produced no speakable chunks.
func (d Document) Empty() bool {
	return len(d.Chunks) == 0
}

// ChunkText returns the text of chunk i, or "" when out of range.
func (d Document) ChunkText(i int) string {
	if i < 0 || i >= len(d.Chunks) {
		return ""
	}
	return d.Chunks[i].Text
}

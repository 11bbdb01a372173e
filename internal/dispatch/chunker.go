package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/conductorhq/conductor/pkg/models"
)

// chunkSize is the target chunk length in runes for oversized documents.
const chunkSize = 512

// chunkOverlap is how many trailing runes carry over into the next chunk.
const chunkOverlap = 50

// splitOversized expands documents longer than chunkSize into overlapping
// chunks before embedding. Chunk IDs derive from the parent ID so
// re-indexing the same document overwrites its previous chunks.
func splitOversized(docs []models.IndexedDocument) []models.IndexedDocument {
	var out []models.IndexedDocument
	for _, doc := range docs {
		if utf8.RuneCountInString(doc.Content) <= chunkSize {
			out = append(out, doc)
			continue
		}
		for i, text := range splitText(doc.Content, chunkSize, chunkOverlap) {
			chunk := models.IndexedDocument{
				Content:  text,
				Metadata: make(map[string]string, len(doc.Metadata)+1),
			}
			for k, v := range doc.Metadata {
				chunk.Metadata[k] = v
			}
			chunk.Metadata["chunk"] = fmt.Sprintf("%d", i)
			if doc.ID != "" {
				chunk.ID = fmt.Sprintf("%s#%d", doc.ID, i)
			}
			out = append(out, chunk)
		}
	}
	return out
}

// splitText splits on paragraph, line, sentence, word, and finally rune
// boundaries, whichever first yields segments that fit.
func splitText(text string, size, overlap int) []string {
	for _, sep := range []string{"\n\n", "\n", ". ", " "} {
		parts := strings.Split(text, sep)
		if len(parts) > 1 {
			return mergeSegments(parts, sep, size, overlap)
		}
	}
	return splitRunes(text, size)
}

// mergeSegments packs consecutive segments into chunks near the target
// size, carrying an overlap tail across chunk boundaries.
func mergeSegments(segments []string, sep string, size, overlap int) []string {
	var chunks []string
	var current strings.Builder
	for _, seg := range segments {
		joined := current.String()
		if joined != "" {
			joined += sep
		}
		joined += seg

		if utf8.RuneCountInString(joined) > size && current.Len() > 0 {
			chunks = append(chunks, current.String())
			tail := tailRunes(current.String(), overlap)
			current.Reset()
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(sep)
			}
			current.WriteString(seg)
			continue
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(seg)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}

func splitRunes(text string, n int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

package textproc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidChunkSize indicates a non-positive chunk size was requested.
// This is a caller error and is rejected before any processing happens.
var ErrInvalidChunkSize = errors.New("chunk size must be a positive integer")

// Chunk is a bounded contiguous span of a document's cleaned text. It is the
// unit of embedding and retrieval. Chunk identity is (document, Index).
type Chunk struct {
	// Index is the zero-based position of the chunk within the document.
	// Indices are contiguous and cover the full cleaned text with no gaps.
	Index int

	// Text is the chunk content: whole words joined by single spaces.
	Text string

	// Words is the number of words in Text. Never exceeds the chunk size
	// the document was split with.
	Words int

	// Offset is the word offset of the chunk within the cleaned text.
	Offset int
}

// Split divides cleaned text into chunks of at most chunkSize words.
//
// The chunk size unit is words (not characters or tokens); a document's
// recorded chunk size is fixed at upload time so the same text can be
// re-chunked reproducibly. Splitting happens on whitespace boundaries only,
// never mid-word. The final chunk may hold fewer than chunkSize words.
//
// Split is deterministic: identical text and chunkSize always yield identical
// boundaries. Text shorter than chunkSize yields a single chunk; empty text
// yields no chunks. A non-positive chunkSize returns ErrInvalidChunkSize.
func Split(text string, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, chunkSize)
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, nil
	}

	chunks := make([]Chunk, 0, (len(words)+chunkSize-1)/chunkSize)
	for offset := 0; offset < len(words); offset += chunkSize {
		end := min(offset+chunkSize, len(words))
		span := words[offset:end]
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Text:   strings.Join(span, " "),
			Words:  len(span),
			Offset: offset,
		})
	}

	return chunks, nil
}

// Join reassembles chunk texts into the cleaned text they were split from.
// For text produced by Clean, Join(Split(text, n)) == text for any n > 0.
func Join(chunks []Chunk) string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, " ")
}

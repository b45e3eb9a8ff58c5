package services

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"policy-adjudicator/models"
)

// ValidateChunking checks the window parameters shared by every document in a batch.
func ValidateChunking(chunkSize, overlap int) error {
	if chunkSize <= 0 {
		return &models.InvalidDocumentError{Reason: fmt.Sprintf("chunk size must be positive, got %d", chunkSize)}
	}
	if overlap < 0 || overlap >= chunkSize {
		return &models.InvalidDocumentError{Reason: fmt.Sprintf("overlap must be in [0, %d), got %d", chunkSize, overlap)}
	}
	return nil
}

// ChunkDocument splits doc.RawText into windows of at most chunkSize runes,
// each starting roughly overlap runes before the previous window ended.
// Windows end at the last paragraph break, line break, sentence end or space
// in their second half, or are cut hard at chunkSize. Chunk text is an exact
// slice of the source so Reconstruct can rebuild it.
func ChunkDocument(doc models.Document, chunkSize, overlap int) ([]models.Chunk, error) {
	if err := ValidateChunking(chunkSize, overlap); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.RawText) == "" {
		return nil, &models.InvalidDocumentError{Filename: doc.Filename, Reason: "document has no extractable text"}
	}

	runes := []rune(doc.RawText)
	n := len(runes)
	pageStarts := pageOffsets(doc.Pages)
	source := doc.Filename
	if source == "" {
		source = doc.SourceID
	}

	var chunks []models.Chunk
	start := 0
	for {
		end := start + chunkSize
		if end >= n {
			end = n
		} else {
			minEnd := start + max(chunkSize/2, overlap+1)
			if minEnd > end {
				minEnd = end
			}
			end = breakPoint(runes, minEnd, end)
		}

		seq := len(chunks)
		chunks = append(chunks, models.Chunk{
			ChunkID:    fmt.Sprintf("%s-%d", doc.SourceID, seq),
			Text:       string(runes[start:end]),
			SourceID:   doc.SourceID,
			Source:     source,
			PageNumber: pageFor(pageStarts, start),
			Sequence:   seq,
			Span:       models.CharSpan{Start: start, End: end},
		})

		if end == n {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = snapToWord(runes, next, end)
	}

	return chunks, nil
}

// breakPoint returns the best window end in (lo, hi]. Separators stay with
// the chunk they terminate.
func breakPoint(runes []rune, lo, hi int) int {
	window := string(runes[lo:hi])

	for _, sep := range []string{"\n\n", "\n"} {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return lo + utf8.RuneCountInString(window[:i+len(sep)])
		}
	}
	for _, sep := range []string{". ", "! ", "? ", ".\t", "?\t", "!\t"} {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return lo + utf8.RuneCountInString(window[:i+len(sep)])
		}
	}
	for i := hi; i > lo; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return hi
}

// snapToWord moves pos forward to the start of the next word so an overlap
// window does not begin mid-word. It gives up if no boundary exists before end.
func snapToWord(runes []rune, pos, end int) int {
	if pos == 0 || unicode.IsSpace(runes[pos-1]) {
		return pos
	}
	for i := pos; i < end; i++ {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return pos
}

func pageOffsets(pages []models.PageText) []int {
	if len(pages) == 0 {
		return nil
	}
	sepLen := utf8.RuneCountInString(models.PageSeparator)
	starts := make([]int, len(pages))
	off := 0
	for i, p := range pages {
		starts[i] = off
		off += utf8.RuneCountInString(p.Text) + sepLen
	}
	return starts
}

// pageFor returns the 1-based page containing rune offset pos.
func pageFor(starts []int, pos int) int {
	page := 1
	for i, s := range starts {
		if pos >= s {
			page = i + 1
		}
	}
	return page
}

// Reconstruct rebuilds the source text from ordered chunks by dropping each
// chunk's overlap with its predecessor.
func Reconstruct(chunks []models.Chunk) string {
	var sb strings.Builder
	covered := 0
	for _, c := range chunks {
		runes := []rune(c.Text)
		skip := covered - c.Span.Start
		if skip < 0 {
			skip = 0
		}
		if skip < len(runes) {
			sb.WriteString(string(runes[skip:]))
		}
		if c.Span.End > covered {
			covered = c.Span.End
		}
	}
	return sb.String()
}

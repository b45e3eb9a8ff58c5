package models

import "strings"

// PageText is the extracted text of a single PDF page (1-based).
type PageText struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Document is a policy document handed to the chunker. It is owned by the
// caller for the duration of one ingestion call.
type Document struct {
	SourceID  string     `json:"source_id"`
	Filename  string     `json:"filename"`
	RawText   string     `json:"raw_text"`
	PageCount int        `json:"page_count"`
	Pages     []PageText `json:"pages,omitempty"`
}

// PageSeparator joins page texts into Document.RawText.
const PageSeparator = "\n\n"

// NewDocument builds a Document whose RawText is the page texts joined by PageSeparator.
func NewDocument(sourceID, filename string, pages []PageText) Document {
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.Text
	}
	return Document{
		SourceID:  sourceID,
		Filename:  filename,
		RawText:   strings.Join(texts, PageSeparator),
		PageCount: len(pages),
		Pages:     pages,
	}
}

// CharSpan is a half-open rune range [Start, End) into Document.RawText.
type CharSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Chunk is a contiguous slice of a document, the unit of embedding and indexing.
type Chunk struct {
	ChunkID    string   `json:"chunk_id"`
	Text       string   `json:"text"`
	SourceID   string   `json:"source_id"`
	Source     string   `json:"source"`
	PageNumber int      `json:"page_number"`
	Sequence   int      `json:"sequence"`
	Span       CharSpan `json:"char_span"`
}

// EntryPayload is stored next to every vector. It always carries the original
// chunk text so retrieval never needs a secondary document store.
type EntryPayload struct {
	Text       string `json:"text" bson:"text"`
	Source     string `json:"source" bson:"source"`
	SourceID   string `json:"source_id" bson:"source_id"`
	PageNumber int    `json:"page_number" bson:"page_number"`
}

// IndexedEntry is a (chunk id, vector, payload) triple held by the vector index.
type IndexedEntry struct {
	ChunkID string       `json:"chunk_id" bson:"chunk_id"`
	Vector  []float32    `json:"-" bson:"vector"`
	Payload EntryPayload `json:"payload" bson:"payload"`
}

// ScoredEntry is a query hit.
type ScoredEntry struct {
	Entry IndexedEntry `json:"entry"`
	Score float64      `json:"score"`
}

// PassageMetadata describes where a retrieved passage came from.
type PassageMetadata struct {
	ChunkID    string  `json:"chunk_id"`
	Source     string  `json:"source"`
	SourceID   string  `json:"source_id"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
}

// RetrievedPassage is a read-only projection of an IndexedEntry returned for a query.
type RetrievedPassage struct {
	Text     string          `json:"text"`
	Metadata PassageMetadata `json:"metadata"`
}

// Upload is a single file delivered by the transport layer.
type Upload struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}

// IngestionReport summarises one ingestion call.
type IngestionReport struct {
	ChunksWritten    int      `json:"chunks_written"`
	SourcesProcessed []string `json:"sources_processed"`
	FailedSource     string   `json:"failed_source,omitempty"`
}


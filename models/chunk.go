package models

// ChunkRecord is one bounded-size word chunk produced by the chunker.
// SectionName is empty when no heading preceded the chunk's content.
type ChunkRecord struct {
	Content     string `json:"content"`
	SectionName string `json:"section_name,omitempty"`
}

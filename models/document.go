package models

// RetrievedChunk represents one unit returned by the search index
type RetrievedChunk struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Title    string                 `json:"title"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IndexDocument represents a chunk being uploaded to the search index
type IndexDocument struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Embedding []float64              `json:"embedding,omitempty"`
}

// IndexStats holds index-level statistics
type IndexStats struct {
	DocumentCount int `json:"document_count"`
}

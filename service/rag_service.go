package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"ragchat-backend/models"
)

// DefaultRelevanceThreshold drops weakly-matching chunks before generation
const DefaultRelevanceThreshold = 0.7

const insufficientContextAnswer = "I don't have enough information in the knowledge base to answer this question. " +
	"Please upload relevant documents or rephrase your query."

// noInfoMarkers are matched case-insensitively against the raw model answer.
// Any hit means the model declined to answer from the supplied context.
var noInfoMarkers = []string{
	"i cannot find this information in the available documents",
	"i don't have enough information in the knowledge base",
	"not available in the provided context",
}

func insufficientContextActions() []string {
	return []string{
		"Upload relevant documents",
		"Try different keywords",
		"Check available documents",
	}
}

// SearchIndex is the retrieval surface the orchestrator depends on
type SearchIndex interface {
	HybridSearch(ctx context.Context, queryText string, queryEmbedding []float64, topK int) ([]models.RetrievedChunk, error)
}

// CompletionGateway is the model surface the orchestrator depends on
type CompletionGateway interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float64, error)
	ChatCompletion(
		ctx context.Context,
		query string,
		history []models.ChatMessage,
		contextDocuments []models.RetrievedChunk,
		systemPrompt string,
		temperature float64,
		maxTokens int,
	) (string, int, error)
}

// ChatOptions carries one query through the pipeline
type ChatOptions struct {
	Query       string
	TopK        int
	Temperature float64
	MaxTokens   int

	// GenerateAnswer false skips the completion call and returns retrieval
	// results only. Streaming callers use this to fetch context up front.
	GenerateAnswer bool
}

// PipelineResult is the outcome of one pipeline invocation
type PipelineResult struct {
	Answer               string
	Sources              []models.SourceDocument
	HasSufficientContext bool
	TokensUsed           int
	SuggestedActions     []string
	ContextDocuments     []models.RetrievedChunk
}

// RAGService orchestrates retrieval-augmented answer generation
type RAGService struct {
	searchIndex        SearchIndex
	completionGateway  CompletionGateway
	relevanceThreshold float64
}

// RAGOption configures a RAGService
type RAGOption func(*RAGService)

// WithSearchIndex sets the retrieval backend
func WithSearchIndex(index SearchIndex) RAGOption {
	return func(s *RAGService) { s.searchIndex = index }
}

// WithCompletionGateway sets the model backend
func WithCompletionGateway(gateway CompletionGateway) RAGOption {
	return func(s *RAGService) { s.completionGateway = gateway }
}

// WithRelevanceThreshold overrides the minimum score a retrieved chunk needs
// to survive filtering
func WithRelevanceThreshold(threshold float64) RAGOption {
	return func(s *RAGService) { s.relevanceThreshold = threshold }
}

// NewRAGService creates a RAG orchestrator with the given options
func NewRAGService(opts ...RAGOption) *RAGService {
	s := &RAGService{relevanceThreshold: DefaultRelevanceThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessQuery runs one query through the full pipeline: best-effort
// embedding, hybrid retrieval, relevance filtering, reranking, then either a
// terminal retrieval-only result or grounded generation with post-processing.
// Each invocation is independent; the service holds no per-query state.
func (s *RAGService) ProcessQuery(ctx context.Context, opts ChatOptions) (*PipelineResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = models.DefaultTopK
	}

	// Embedding failures degrade retrieval to keyword-only; they never
	// abort the pipeline.
	embedding, err := s.completionGateway.GenerateEmbedding(ctx, opts.Query)
	if err != nil {
		log.Printf("Query embedding failed, falling back to keyword search: %v", err)
		embedding = nil
	}

	retrieved, err := s.searchIndex.HybridSearch(ctx, opts.Query, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}

	relevant := s.filterByRelevance(retrieved)
	reranked := RerankResults(relevant)

	if len(reranked) == 0 {
		return &PipelineResult{
			Answer:               insufficientContextAnswer,
			Sources:              []models.SourceDocument{},
			HasSufficientContext: false,
			SuggestedActions:     insufficientContextActions(),
			ContextDocuments:     []models.RetrievedChunk{},
		}, nil
	}

	if !opts.GenerateAnswer {
		return &PipelineResult{
			Sources:              ExtractSources(reranked),
			HasSufficientContext: true,
			ContextDocuments:     reranked,
		}, nil
	}

	systemPrompt := BuildStrictRAGPrompt(FormatContext(reranked), opts.Query)
	answer, tokensUsed, err := s.completionGateway.ChatCompletion(
		ctx, "", nil, nil, systemPrompt, opts.Temperature, opts.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	return s.PostProcess(answer, reranked, tokensUsed), nil
}

// PostProcess turns a raw model answer and its context into the final
// pipeline result: no-information answers discard the candidate sources,
// everything else is normalized with a sources footer. Streaming callers
// apply this to the accumulated answer after the stream ends.
func (s *RAGService) PostProcess(answer string, contextDocuments []models.RetrievedChunk, tokensUsed int) *PipelineResult {
	if answerLacksInformation(answer) {
		return &PipelineResult{
			Answer:               NormalizeAnswer(answer, nil),
			Sources:              []models.SourceDocument{},
			HasSufficientContext: false,
			TokensUsed:           tokensUsed,
			SuggestedActions:     insufficientContextActions(),
			ContextDocuments:     []models.RetrievedChunk{},
		}
	}

	sources := ExtractSources(contextDocuments)
	return &PipelineResult{
		Answer:               NormalizeAnswer(answer, sources),
		Sources:              sources,
		HasSufficientContext: true,
		TokensUsed:           tokensUsed,
		ContextDocuments:     contextDocuments,
	}
}

// RelevanceThreshold returns the configured filtering threshold
func (s *RAGService) RelevanceThreshold() float64 {
	return s.relevanceThreshold
}

// filterByRelevance drops chunks scoring below the threshold
func (s *RAGService) filterByRelevance(chunks []models.RetrievedChunk) []models.RetrievedChunk {
	filtered := make([]models.RetrievedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Score >= s.relevanceThreshold {
			filtered = append(filtered, chunk)
		}
	}
	return filtered
}

// RerankResults stable-sorts chunks by score descending; ties keep their
// retrieval order
func RerankResults(chunks []models.RetrievedChunk) []models.RetrievedChunk {
	reranked := make([]models.RetrievedChunk, len(chunks))
	copy(reranked, chunks)
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})
	return reranked
}

// answerLacksInformation reports whether the raw answer is one of the
// model's no-information responses
func answerLacksInformation(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return true
	}
	lowered := strings.ToLower(trimmed)
	for _, marker := range noInfoMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// FormatContext renders retrieved chunks as the numbered context block fed
// to the grounding prompt
func FormatContext(chunks []models.RetrievedChunk) string {
	if len(chunks) == 0 {
		return ""
	}

	blocks := make([]string, len(chunks))
	for i, chunk := range chunks {
		id := chunk.ID
		if id == "" {
			id = fmt.Sprintf("doc-%d", i+1)
		}
		title := chunk.Title
		if title == "" {
			title = id
		}

		metadata := "{}"
		if len(chunk.Metadata) > 0 {
			if encoded, err := json.Marshal(chunk.Metadata); err == nil {
				metadata = string(encoded)
			}
		}

		blocks[i] = fmt.Sprintf("[%d] Document ID: %s\nTitle: %s\nMetadata: %s\n%s",
			i+1, id, title, metadata, chunk.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// ExtractSources maps retrieved chunks to citation records, truncating the
// excerpt to 300 characters
func ExtractSources(chunks []models.RetrievedChunk) []models.SourceDocument {
	sources := make([]models.SourceDocument, len(chunks))
	for i, chunk := range chunks {
		title := chunk.Title
		if title == "" {
			if fromMeta, ok := chunk.Metadata["source"].(string); ok {
				title = fromMeta
			}
		}

		excerpt := chunk.Content
		if len(excerpt) > 300 {
			// Truncate on a rune boundary so multi-byte characters are
			// never split.
			if runes := []rune(excerpt); len(runes) > 300 {
				excerpt = string(runes[:300])
			}
		}

		sources[i] = models.SourceDocument{
			ID:             chunk.ID,
			Title:          title,
			RelevanceScore: chunk.Score,
			Excerpt:        excerpt,
			Metadata:       chunk.Metadata,
		}
	}
	return sources
}

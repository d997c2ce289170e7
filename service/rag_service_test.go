package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"ragchat-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearchIndex struct {
	chunks []models.RetrievedChunk
	err    error

	lastQuery     string
	lastEmbedding []float64
	lastTopK      int
}

func (f *fakeSearchIndex) HybridSearch(_ context.Context, queryText string, queryEmbedding []float64, topK int) ([]models.RetrievedChunk, error) {
	f.lastQuery = queryText
	f.lastEmbedding = queryEmbedding
	f.lastTopK = topK
	return f.chunks, f.err
}

type fakeCompletionGateway struct {
	embedding []float64
	embedErr  error

	answer     string
	tokensUsed int
	chatErr    error

	lastSystemPrompt string
	chatCalls        int
}

func (f *fakeCompletionGateway) GenerateEmbedding(_ context.Context, _ string) ([]float64, error) {
	return f.embedding, f.embedErr
}

func (f *fakeCompletionGateway) ChatCompletion(
	_ context.Context,
	_ string,
	_ []models.ChatMessage,
	_ []models.RetrievedChunk,
	systemPrompt string,
	_ float64,
	_ int,
) (string, int, error) {
	f.chatCalls++
	f.lastSystemPrompt = systemPrompt
	return f.answer, f.tokensUsed, f.chatErr
}

func newTestService(index *fakeSearchIndex, gateway *fakeCompletionGateway) *RAGService {
	return NewRAGService(
		WithSearchIndex(index),
		WithCompletionGateway(gateway),
	)
}

func TestRerankResults_StableDescending(t *testing.T) {
	chunks := []models.RetrievedChunk{
		{ID: "a", Score: 0.8},
		{ID: "b", Score: 0.9},
		{ID: "c", Score: 0.8},
		{ID: "d", Score: 0.95},
	}

	reranked := RerankResults(chunks)

	ids := make([]string, len(reranked))
	for i, chunk := range reranked {
		ids[i] = chunk.ID
	}
	// Ties (a, c) keep retrieval order.
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids)

	// Input untouched.
	assert.Equal(t, "a", chunks[0].ID)
}

func TestProcessQuery_EmptyRerankedSetIsTerminal(t *testing.T) {
	index := &fakeSearchIndex{chunks: []models.RetrievedChunk{
		{ID: "weak", Score: 0.3},
	}}
	gateway := &fakeCompletionGateway{embedding: []float64{0.1, 0.2}}
	svc := newTestService(index, gateway)

	result, err := svc.ProcessQuery(context.Background(), ChatOptions{
		Query:          "anything",
		GenerateAnswer: true,
	})
	require.NoError(t, err)

	assert.False(t, result.HasSufficientContext)
	assert.Empty(t, result.Sources)
	assert.Empty(t, result.ContextDocuments)
	assert.Equal(t, insufficientContextActions(), result.SuggestedActions)
	assert.Contains(t, result.Answer, "don't have enough information")
	assert.Zero(t, gateway.chatCalls, "no generation call for empty context")
}

func TestProcessQuery_EmbeddingFailureDegradesToKeyword(t *testing.T) {
	index := &fakeSearchIndex{}
	gateway := &fakeCompletionGateway{embedErr: errors.New("quota exhausted")}
	svc := newTestService(index, gateway)

	_, err := svc.ProcessQuery(context.Background(), ChatOptions{Query: "benefits policy"})
	require.NoError(t, err)

	assert.Nil(t, index.lastEmbedding)
	assert.Equal(t, "benefits policy", index.lastQuery)
}

func TestProcessQuery_SearchErrorPropagates(t *testing.T) {
	searchErr := errors.New("index offline")
	svc := newTestService(&fakeSearchIndex{err: searchErr}, &fakeCompletionGateway{})

	_, err := svc.ProcessQuery(context.Background(), ChatOptions{Query: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, searchErr)
}

func TestProcessQuery_ContextOnlyMode(t *testing.T) {
	index := &fakeSearchIndex{chunks: []models.RetrievedChunk{
		{ID: "c1", Title: "Handbook", Content: "vacation days accrue monthly", Score: 0.9},
	}}
	gateway := &fakeCompletionGateway{}
	svc := newTestService(index, gateway)

	result, err := svc.ProcessQuery(context.Background(), ChatOptions{
		Query:          "vacation",
		GenerateAnswer: false,
	})
	require.NoError(t, err)

	assert.True(t, result.HasSufficientContext)
	assert.Empty(t, result.Answer)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "c1", result.Sources[0].ID)
	require.Len(t, result.ContextDocuments, 1)
	assert.Zero(t, gateway.chatCalls)
}

func TestProcessQuery_NoInfoMarkerOverridesSources(t *testing.T) {
	index := &fakeSearchIndex{chunks: []models.RetrievedChunk{
		{ID: "c1", Title: "Handbook", Content: "irrelevant", Score: 0.95},
		{ID: "c2", Title: "Policy", Content: "also irrelevant", Score: 0.9},
	}}
	gateway := &fakeCompletionGateway{
		answer:     "I cannot find this information in the available documents.",
		tokensUsed: 42,
	}
	svc := newTestService(index, gateway)

	result, err := svc.ProcessQuery(context.Background(), ChatOptions{
		Query:          "something absent",
		GenerateAnswer: true,
	})
	require.NoError(t, err)

	assert.False(t, result.HasSufficientContext)
	assert.Empty(t, result.Sources)
	assert.Empty(t, result.ContextDocuments)
	assert.Equal(t, insufficientContextActions(), result.SuggestedActions)
	assert.Equal(t, 42, result.TokensUsed)
	assert.NotContains(t, result.Answer, "Sources:")
}

func TestProcessQuery_FilterRerankGenerate(t *testing.T) {
	index := &fakeSearchIndex{chunks: []models.RetrievedChunk{
		{ID: "a", Title: "Doc A", Content: "alpha content", Score: 0.9},
		{ID: "b", Title: "Doc B", Content: "beta content", Score: 0.5},
		{ID: "c", Title: "Doc C", Content: "gamma content", Score: 0.85},
	}}
	gateway := &fakeCompletionGateway{
		embedding:  []float64{0.5, 0.5},
		answer:     "**Answer**\n\nAlpha and gamma explain it.",
		tokensUsed: 77,
	}
	svc := newTestService(index, gateway)

	result, err := svc.ProcessQuery(context.Background(), ChatOptions{
		Query:          "explain",
		TopK:           3,
		GenerateAnswer: true,
	})
	require.NoError(t, err)

	// 0.5 filtered at the default 0.7 threshold; survivors sorted desc.
	require.Len(t, result.ContextDocuments, 2)
	assert.Equal(t, "a", result.ContextDocuments[0].ID)
	assert.Equal(t, "c", result.ContextDocuments[1].ID)

	assert.True(t, result.HasSufficientContext)
	assert.Nil(t, result.SuggestedActions)
	assert.Equal(t, 77, result.TokensUsed)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, 0.9, result.Sources[0].RelevanceScore)

	assert.Contains(t, gateway.lastSystemPrompt, "[1] Document ID: a")
	assert.Contains(t, gateway.lastSystemPrompt, "[2] Document ID: c")
	assert.Contains(t, gateway.lastSystemPrompt, "Question: explain")
	assert.Contains(t, result.Answer, "Sources:")
}

func TestWithRelevanceThreshold(t *testing.T) {
	index := &fakeSearchIndex{chunks: []models.RetrievedChunk{
		{ID: "a", Score: 0.4},
	}}
	svc := NewRAGService(
		WithSearchIndex(index),
		WithCompletionGateway(&fakeCompletionGateway{}),
		WithRelevanceThreshold(0.3),
	)

	result, err := svc.ProcessQuery(context.Background(), ChatOptions{Query: "q"})
	require.NoError(t, err)
	assert.True(t, result.HasSufficientContext)
	require.Len(t, result.ContextDocuments, 1)
}

func TestFormatContext(t *testing.T) {
	chunks := []models.RetrievedChunk{
		{ID: "d1", Title: "Guide", Content: "first body", Metadata: map[string]interface{}{"page_number": 3}},
		{Content: "second body"},
	}

	formatted := FormatContext(chunks)

	blocks := strings.Split(formatted, "\n\n")
	require.Len(t, blocks, 2)
	assert.Equal(t, "[1] Document ID: d1\nTitle: Guide\nMetadata: {\"page_number\":3}\nfirst body", blocks[0])
	assert.Equal(t, "[2] Document ID: doc-2\nTitle: doc-2\nMetadata: {}\nsecond body", blocks[1])

	assert.Empty(t, FormatContext(nil))
}

func TestExtractSources(t *testing.T) {
	long := strings.Repeat("x", 400)
	chunks := []models.RetrievedChunk{
		{ID: "a", Title: "Titled", Content: long, Score: 0.8},
		{ID: "b", Content: "short", Metadata: map[string]interface{}{"source": "fallback.txt"}},
	}

	sources := ExtractSources(chunks)
	require.Len(t, sources, 2)

	assert.Equal(t, "Titled", sources[0].Title)
	assert.Len(t, sources[0].Excerpt, 300)
	assert.Equal(t, 0.8, sources[0].RelevanceScore)

	assert.Equal(t, "fallback.txt", sources[1].Title)
	assert.Zero(t, sources[1].RelevanceScore)
}

func TestExtractSources_ExcerptKeepsRuneBoundaries(t *testing.T) {
	content := "a" + strings.Repeat("é", 350)

	sources := ExtractSources([]models.RetrievedChunk{{ID: "u", Content: content}})
	require.Len(t, sources, 1)

	excerpt := sources[0].Excerpt
	assert.True(t, utf8.ValidString(excerpt))
	assert.Equal(t, "a"+strings.Repeat("é", 299), excerpt)
}

func TestAnswerLacksInformation(t *testing.T) {
	assert.True(t, answerLacksInformation(""))
	assert.True(t, answerLacksInformation("   \n"))
	assert.True(t, answerLacksInformation("Sorry, I CANNOT FIND THIS INFORMATION IN THE AVAILABLE DOCUMENTS."))
	assert.True(t, answerLacksInformation("That detail is not available in the provided context."))
	assert.False(t, answerLacksInformation("**Answer**\n\nThe limit is 30 days."))
}

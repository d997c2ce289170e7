package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ragchat-backend/models"
	"ragchat-backend/repository"
	"ragchat-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSearchIndex struct {
	chunks []models.RetrievedChunk
	err    error
}

func (s *stubSearchIndex) HybridSearch(context.Context, string, []float64, int) ([]models.RetrievedChunk, error) {
	return s.chunks, s.err
}

type stubGateway struct {
	answer string
}

func (s *stubGateway) GenerateEmbedding(context.Context, string) ([]float64, error) {
	return nil, nil
}

func (s *stubGateway) ChatCompletion(
	context.Context, string, []models.ChatMessage, []models.RetrievedChunk, string, float64, int,
) (string, int, error) {
	return s.answer, 10, nil
}

type stubStream struct {
	chunks []string
	err    error
	closed bool
}

func (s *stubStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *stubStream) Close() { s.closed = true }

type stubAnswers struct {
	answer string
	stream *stubStream

	streamErr   error
	chatCalls   int
	streamCalls int
}

func (s *stubAnswers) ChatCompletion(
	context.Context, string, []models.ChatMessage, []models.RetrievedChunk, string, float64, int,
) (string, int, error) {
	s.chatCalls++
	return s.answer, 9, nil
}

func (s *stubAnswers) ChatCompletionStream(
	context.Context, string, []models.ChatMessage, []models.RetrievedChunk, string, float64, int,
) (AnswerStream, error) {
	s.streamCalls++
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	return s.stream, nil
}

func newChatRouter(index *stubSearchIndex, gateway *stubGateway) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ragService := service.NewRAGService(
		service.WithSearchIndex(index),
		service.WithCompletionGateway(gateway),
	)
	handler := NewChatHandler(ragService, nil, false)

	r := gin.New()
	r.POST("/api/chat", handler.Chat)
	return r
}

func postChat(t *testing.T, r *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChat_MissingMessageRejected(t *testing.T) {
	r := newChatRouter(&stubSearchIndex{}, &stubGateway{})
	w := postChat(t, r, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_SearchUnavailableMapsTo503(t *testing.T) {
	index := &stubSearchIndex{err: fmt.Errorf("hybrid search: %w", repository.ErrSearchUnavailable)}
	r := newChatRouter(index, &stubGateway{})

	w := postChat(t, r, `{"message":"hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SEARCH_UNAVAILABLE")
}

func TestChat_IndexConfigurationMapsTo409(t *testing.T) {
	index := &stubSearchIndex{err: fmt.Errorf("%w: index has 1536 dimensions", repository.ErrIndexConfiguration)}
	r := newChatRouter(index, &stubGateway{})

	w := postChat(t, r, `{"message":"hello"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestChat_AnswerWithSources(t *testing.T) {
	index := &stubSearchIndex{chunks: []models.RetrievedChunk{
		{ID: "c1", Title: "Handbook", Content: "vacation accrues monthly", Score: 0.92},
	}}
	gateway := &stubGateway{answer: "**Answer**\n\nVacation accrues monthly."}
	r := newChatRouter(index, gateway)

	w := postChat(t, r, `{"message":"how does vacation accrue?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Success bool                `json:"success"`
		Data    models.ChatResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))

	assert.True(t, envelope.Success)
	assert.True(t, envelope.Data.HasSufficientContext)
	require.Len(t, envelope.Data.Sources, 1)
	assert.Equal(t, "Handbook", envelope.Data.Sources[0].Title)
	assert.Contains(t, envelope.Data.Answer, "Sources: [Source: Handbook]")
	assert.Equal(t, 10, envelope.Data.TokensUsed)
}

func TestChat_NoContextReturnsSuggestedActions(t *testing.T) {
	r := newChatRouter(&stubSearchIndex{}, &stubGateway{})

	w := postChat(t, r, `{"message":"anything"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		Data models.ChatResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))

	assert.False(t, envelope.Data.HasSufficientContext)
	assert.Len(t, envelope.Data.SuggestedActions, 3)
}

func newStreamRouter(index *stubSearchIndex, answers *stubAnswers, streamingEnabled bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ragService := service.NewRAGService(
		service.WithSearchIndex(index),
		service.WithCompletionGateway(&stubGateway{}),
	)
	handler := &ChatHandler{
		ragService:       ragService,
		completions:      answers,
		streamingEnabled: streamingEnabled,
	}

	r := gin.New()
	r.POST("/api/chat/stream", handler.ChatStream)
	return r
}

func postStream(t *testing.T, r *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func handbookIndex() *stubSearchIndex {
	return &stubSearchIndex{chunks: []models.RetrievedChunk{
		{ID: "c1", Title: "Handbook", Content: "vacation accrues monthly", Score: 0.92},
	}}
}

func TestChatStream_InsufficientContextEmitsDoneOnly(t *testing.T) {
	answers := &stubAnswers{}
	r := newStreamRouter(&stubSearchIndex{}, answers, true)

	w := postStream(t, r, `{"message":"anything"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "event:done")
	assert.Contains(t, body, `"has_sufficient_context":false`)
	assert.Contains(t, body, "Upload relevant documents")
	assert.NotContains(t, body, "event:sources")
	assert.NotContains(t, body, "event:chunk")
	assert.Zero(t, answers.chatCalls)
	assert.Zero(t, answers.streamCalls)
}

func TestChatStream_ChunksThenDone(t *testing.T) {
	stream := &stubStream{chunks: []string{"**Answer**\n\nVacation", " accrues monthly."}}
	answers := &stubAnswers{stream: stream}
	r := newStreamRouter(handbookIndex(), answers, true)

	w := postStream(t, r, `{"message":"how does vacation accrue?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "event:sources")
	assert.Contains(t, body, `"title":"Handbook"`)
	assert.Contains(t, body, "event:chunk")
	assert.Contains(t, body, "accrues monthly.")
	assert.Contains(t, body, "event:done")
	assert.Contains(t, body, `"has_sufficient_context":true`)

	assert.Equal(t, 1, answers.streamCalls)
	assert.Zero(t, answers.chatCalls, "streamed answers skip the full-completion path")
	assert.True(t, stream.closed)
}

func TestChatStream_DisabledStreamingFallsBack(t *testing.T) {
	answers := &stubAnswers{answer: "**Answer**\n\nVacation accrues monthly."}
	r := newStreamRouter(handbookIndex(), answers, false)

	w := postStream(t, r, `{"message":"how does vacation accrue?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "event:sources")
	assert.Contains(t, body, "event:chunk")
	assert.Contains(t, body, "Vacation accrues monthly.")
	assert.Contains(t, body, "event:done")

	assert.Equal(t, 1, answers.chatCalls)
	assert.Zero(t, answers.streamCalls, "disabled streaming never opens a stream")
}

func TestChatStream_EmptyStreamFallsBack(t *testing.T) {
	answers := &stubAnswers{
		answer: "**Answer**\n\nVacation accrues monthly.",
		stream: &stubStream{},
	}
	r := newStreamRouter(handbookIndex(), answers, true)

	w := postStream(t, r, `{"message":"how does vacation accrue?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "Vacation accrues monthly.")
	assert.Contains(t, body, "event:done")

	assert.Equal(t, 1, answers.streamCalls)
	assert.Equal(t, 1, answers.chatCalls, "empty stream falls back to a full completion")
}

func TestChatStream_SetupErrorFallsBack(t *testing.T) {
	answers := &stubAnswers{
		answer:    "**Answer**\n\nVacation accrues monthly.",
		streamErr: fmt.Errorf("model unavailable"),
	}
	r := newStreamRouter(handbookIndex(), answers, true)

	w := postStream(t, r, `{"message":"how does vacation accrue?"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "Vacation accrues monthly.")
	assert.Contains(t, body, "event:done")
	assert.Equal(t, 1, answers.chatCalls)
}

package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"ragchat-backend/models"
	"ragchat-backend/repository"
	"ragchat-backend/service"

	"github.com/gin-gonic/gin"
)

// AnswerStream is one in-flight streamed completion
type AnswerStream interface {
	Recv() (string, error)
	Close()
}

// AnswerGenerator is the completion surface the chat handler needs for
// streamed answers and the non-streamed fallback
type AnswerGenerator interface {
	ChatCompletion(
		ctx context.Context,
		query string,
		history []models.ChatMessage,
		contextDocuments []models.RetrievedChunk,
		systemPrompt string,
		temperature float64,
		maxTokens int,
	) (string, int, error)
	ChatCompletionStream(
		ctx context.Context,
		query string,
		history []models.ChatMessage,
		contextDocuments []models.RetrievedChunk,
		systemPrompt string,
		temperature float64,
		maxTokens int,
	) (AnswerStream, error)
}

// completionGenerator adapts the concrete completion service to
// AnswerGenerator
type completionGenerator struct {
	svc *service.CompletionService
}

func (g completionGenerator) ChatCompletion(
	ctx context.Context,
	query string,
	history []models.ChatMessage,
	contextDocuments []models.RetrievedChunk,
	systemPrompt string,
	temperature float64,
	maxTokens int,
) (string, int, error) {
	return g.svc.ChatCompletion(ctx, query, history, contextDocuments, systemPrompt, temperature, maxTokens)
}

func (g completionGenerator) ChatCompletionStream(
	ctx context.Context,
	query string,
	history []models.ChatMessage,
	contextDocuments []models.RetrievedChunk,
	systemPrompt string,
	temperature float64,
	maxTokens int,
) (AnswerStream, error) {
	stream, err := g.svc.ChatCompletionStream(ctx, query, history, contextDocuments, systemPrompt, temperature, maxTokens)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ChatHandler handles HTTP requests for chat queries
type ChatHandler struct {
	ragService       *service.RAGService
	completions      AnswerGenerator
	streamingEnabled bool
}

// NewChatHandler creates a new chat handler. completions may be nil when
// streaming is disabled; the stream endpoint then falls back to full answers.
func NewChatHandler(ragService *service.RAGService, completions *service.CompletionService, streamingEnabled bool) *ChatHandler {
	h := &ChatHandler{
		ragService:       ragService,
		streamingEnabled: streamingEnabled,
	}
	if completions != nil {
		h.completions = completionGenerator{svc: completions}
	}
	return h
}

// Chat handles POST /api/chat
func (h *ChatHandler) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}

	result, err := h.ragService.ProcessQuery(c.Request.Context(), service.ChatOptions{
		Query:          req.Message,
		TopK:           req.TopKOrDefault(),
		Temperature:    req.TemperatureOrDefault(),
		MaxTokens:      req.MaxTokensOrDefault(),
		GenerateAnswer: true,
	})
	if err != nil {
		respondPipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    chatResponseFrom(result),
	})
}

// ChatStream handles POST /api/chat/stream (SSE)
func (h *ChatHandler) ChatStream(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}

	// Retrieval runs before any SSE bytes go out so transport failures can
	// still produce a proper HTTP status.
	contextResult, err := h.ragService.ProcessQuery(c.Request.Context(), service.ChatOptions{
		Query:          req.Message,
		TopK:           req.TopKOrDefault(),
		GenerateAnswer: false,
	})
	if err != nil {
		respondPipelineError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	if !contextResult.HasSufficientContext {
		c.SSEvent("done", chatResponseFrom(contextResult))
		c.Writer.Flush()
		return
	}

	c.SSEvent("sources", contextResult.Sources)
	c.Writer.Flush()

	systemPrompt := service.BuildStrictRAGPrompt(
		service.FormatContext(contextResult.ContextDocuments), req.Message)

	if !h.streamingEnabled || h.completions == nil {
		h.streamFallback(c, req, systemPrompt, contextResult)
		return
	}

	stream, err := h.completions.ChatCompletionStream(
		c.Request.Context(), "", nil, nil, systemPrompt,
		req.TemperatureOrDefault(), req.MaxTokensOrDefault())
	if err != nil {
		log.Printf("Streaming setup failed, falling back to full answer: %v", err)
		h.streamFallback(c, req, systemPrompt, contextResult)
		return
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("Stream interrupted: %v", err)
			break
		}
		answer.WriteString(chunk)
		c.SSEvent("chunk", chunk)
		c.Writer.Flush()
	}

	if answer.Len() == 0 {
		h.streamFallback(c, req, systemPrompt, contextResult)
		return
	}

	result := h.ragService.PostProcess(answer.String(), contextResult.ContextDocuments, 0)
	c.SSEvent("done", chatResponseFrom(result))
	c.Writer.Flush()
}

// streamFallback answers with a single non-streamed completion over an
// already-open SSE response
func (h *ChatHandler) streamFallback(c *gin.Context, req models.ChatRequest, systemPrompt string, contextResult *service.PipelineResult) {
	if h.completions == nil {
		c.SSEvent("error", gin.H{
			"code":    "GENERATION_UNAVAILABLE",
			"message": "No completion backend configured",
		})
		c.Writer.Flush()
		return
	}

	answer, tokensUsed, err := h.completions.ChatCompletion(
		c.Request.Context(), "", nil, nil, systemPrompt,
		req.TemperatureOrDefault(), req.MaxTokensOrDefault())
	if err != nil {
		c.SSEvent("error", gin.H{
			"code":    "GENERATION_FAILED",
			"message": err.Error(),
		})
		c.Writer.Flush()
		return
	}

	result := h.ragService.PostProcess(answer, contextResult.ContextDocuments, tokensUsed)
	c.SSEvent("chunk", result.Answer)
	c.SSEvent("done", chatResponseFrom(result))
	c.Writer.Flush()
}

// chatResponseFrom maps a pipeline result onto the wire model
func chatResponseFrom(result *service.PipelineResult) models.ChatResponse {
	return models.ChatResponse{
		Answer:               result.Answer,
		Sources:              result.Sources,
		HasSufficientContext: result.HasSufficientContext,
		TokensUsed:           result.TokensUsed,
		SuggestedActions:     result.SuggestedActions,
	}
}

// respondPipelineError maps pipeline failures onto HTTP statuses
func respondPipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrSearchUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "SEARCH_UNAVAILABLE",
				"message": "The search index is currently unreachable",
			},
		})
	case errors.Is(err, repository.ErrIndexConfiguration):
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INDEX_MISCONFIGURED",
				"message": err.Error(),
			},
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "QUERY_FAILED",
				"message": err.Error(),
			},
		})
	}
}

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"ragchat-backend/models"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

var (
	// ErrEmbeddingFailed indicates embedding generation failed after retries
	ErrEmbeddingFailed = errors.New("failed to generate embedding")

	// ErrGenerationFailed indicates chat completion failed after retries
	ErrGenerationFailed = errors.New("failed to generate completion")
)

const (
	embedContentAPI      = "https://generativelanguage.googleapis.com/v1beta/models/%s:embedContent"
	batchEmbedContentAPI = "https://generativelanguage.googleapis.com/v1beta/models/%s:batchEmbedContents"

	maxAttempts    = 5
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// CompletionConfig holds configuration for the completion service
type CompletionConfig struct {
	APIKey              string
	Model               string // generation model, default gemini-1.5-flash
	EmbeddingModel      string // default gemini-embedding-001
	EmbeddingDimensions int    // default 768
	HTTPTimeout         time.Duration
}

// CompletionService provides embeddings and chat completion via the Gemini
// API. Generation goes through the genai client; embeddings use the REST
// endpoints directly for control over task type and output dimensionality.
type CompletionService struct {
	client     *genai.Client
	httpClient *http.Client
	cfg        CompletionConfig
}

// NewCompletionService creates a new completion service
func NewCompletionService(client *genai.Client, cfg CompletionConfig) *CompletionService {
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "gemini-embedding-001"
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = 768
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &CompletionService{
		client:     client,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:        cfg,
	}
}

// embeddingRequest is the Gemini embedContent request body
type embeddingRequest struct {
	Model                string       `json:"model"`
	Content              contentInput `json:"content"`
	TaskType             string       `json:"task_type,omitempty"`
	OutputDimensionality int          `json:"output_dimensionality,omitempty"`
}

type contentInput struct {
	Parts []partInput `json:"parts"`
}

type partInput struct {
	Text string `json:"text"`
}

type embeddingValues struct {
	Values []float64 `json:"values"`
}

type embeddingResponse struct {
	Embedding embeddingValues `json:"embedding"`
}

type batchEmbeddingRequest struct {
	Requests []embeddingRequest `json:"requests"`
}

type batchEmbeddingResponse struct {
	Embeddings []embeddingValues `json:"embeddings"`
}

// GenerateEmbedding generates an embedding vector for a single text input.
// Empty input yields an empty vector without calling the provider.
func (s *CompletionService) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return []float64{}, nil
	}

	reqBody := embeddingRequest{
		Model:                "models/" + s.cfg.EmbeddingModel,
		Content:              contentInput{Parts: []partInput{{Text: text}}},
		TaskType:             "RETRIEVAL_QUERY",
		OutputDimensionality: s.cfg.EmbeddingDimensions,
	}

	var vector []float64
	err := s.withRetry(ctx, "embedding", func() error {
		var apiResp embeddingResponse
		url := fmt.Sprintf(embedContentAPI, s.cfg.EmbeddingModel)
		if err := s.postJSON(ctx, url, reqBody, &apiResp); err != nil {
			return err
		}
		vector = normalizeVector(apiResp.Embedding.Values)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	s.warnOnDimensionMismatch(vector)
	return vector, nil
}

// GenerateEmbeddingsBatch generates embeddings for a batch of texts. The
// result is index-aligned with the input; entries the provider omits come
// back as empty vectors.
func (s *CompletionService) GenerateEmbeddingsBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	reqBody := batchEmbeddingRequest{Requests: make([]embeddingRequest, len(texts))}
	for i, text := range texts {
		reqBody.Requests[i] = embeddingRequest{
			Model:                "models/" + s.cfg.EmbeddingModel,
			Content:              contentInput{Parts: []partInput{{Text: text}}},
			TaskType:             "RETRIEVAL_DOCUMENT",
			OutputDimensionality: s.cfg.EmbeddingDimensions,
		}
	}

	var apiResp batchEmbeddingResponse
	err := s.withRetry(ctx, "batch embedding", func() error {
		url := fmt.Sprintf(batchEmbedContentAPI, s.cfg.EmbeddingModel)
		return s.postJSON(ctx, url, reqBody, &apiResp)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	vectors := make([][]float64, len(texts))
	for i := range vectors {
		if i < len(apiResp.Embeddings) {
			vectors[i] = normalizeVector(apiResp.Embeddings[i].Values)
		} else {
			vectors[i] = []float64{}
		}
		s.warnOnDimensionMismatch(vectors[i])
	}
	return vectors, nil
}

// ChatCompletion generates a single-shot completion. Returns the answer text
// and the total tokens consumed.
func (s *CompletionService) ChatCompletion(
	ctx context.Context,
	query string,
	history []models.ChatMessage,
	contextDocuments []models.RetrievedChunk,
	systemPrompt string,
	temperature float64,
	maxTokens int,
) (string, int, error) {
	prompt := buildPrompt(query, history, contextDocuments, systemPrompt)
	model := s.generativeModel(temperature, maxTokens)

	var (
		answer     string
		tokensUsed int
	)
	err := s.withRetry(ctx, "chat completion", func() error {
		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return err
		}
		answer = joinCandidateText(resp)
		tokensUsed = 0
		if resp.UsageMetadata != nil {
			tokensUsed = int(resp.UsageMetadata.TotalTokenCount)
		}
		if tokensUsed == 0 {
			tokensUsed = estimateTokens(prompt) + estimateTokens(answer)
		}
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return answer, tokensUsed, nil
}

// CompletionStream is a pull-based stream of completion text chunks.
// Recv returns io.EOF when the stream is exhausted; Close releases the
// underlying request when the consumer abandons the stream early.
type CompletionStream struct {
	iter   *genai.GenerateContentResponseIterator
	cancel context.CancelFunc
}

// Recv returns the next non-empty text chunk
func (s *CompletionStream) Recv() (string, error) {
	for {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		if text := joinCandidateText(resp); text != "" {
			return text, nil
		}
	}
}

// Close releases the stream
func (s *CompletionStream) Close() {
	s.cancel()
}

// ChatCompletionStream starts a streamed completion. The returned stream is
// finite and not restartable; callers must Close it.
func (s *CompletionService) ChatCompletionStream(
	ctx context.Context,
	query string,
	history []models.ChatMessage,
	contextDocuments []models.RetrievedChunk,
	systemPrompt string,
	temperature float64,
	maxTokens int,
) (*CompletionStream, error) {
	prompt := buildPrompt(query, history, contextDocuments, systemPrompt)
	model := s.generativeModel(temperature, maxTokens)

	streamCtx, cancel := context.WithCancel(ctx)
	iter := model.GenerateContentStream(streamCtx, genai.Text(prompt))
	return &CompletionStream{iter: iter, cancel: cancel}, nil
}

// Ping issues a minimal completion to verify provider connectivity
func (s *CompletionService) Ping(ctx context.Context) error {
	_, _, err := s.ChatCompletion(ctx, "ping", nil, nil, DefaultSystemPrompt, 0, 16)
	return err
}

// generativeModel builds a configured genai model handle
func (s *CompletionService) generativeModel(temperature float64, maxTokens int) *genai.GenerativeModel {
	model := s.client.GenerativeModel(s.cfg.Model)
	temp := float32(temperature)
	model.Temperature = &temp
	if maxTokens > 0 {
		tokens := int32(maxTokens)
		model.MaxOutputTokens = &tokens
	}
	return model
}

// buildPrompt folds the system prompt, context block, history, and query
// into a single text prompt
func buildPrompt(
	query string,
	history []models.ChatMessage,
	contextDocuments []models.RetrievedChunk,
	systemPrompt string,
) string {
	var builder strings.Builder

	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	builder.WriteString(systemPrompt)

	if len(contextDocuments) > 0 {
		builder.WriteString("\n\nContext:")
		for idx, doc := range contextDocuments {
			title := doc.Title
			if title == "" {
				title = doc.ID
			}
			if title == "" {
				title = fmt.Sprintf("Doc %d", idx+1)
			}
			builder.WriteString(fmt.Sprintf("\n\n[%d] %s\n%s", idx+1, title, doc.Content))
		}
	}

	for _, message := range history {
		builder.WriteString(fmt.Sprintf("\n\n%s: %s", message.Role, message.Content))
	}

	if query != "" {
		builder.WriteString("\n\n")
		builder.WriteString(query)
	}

	return builder.String()
}

// joinCandidateText concatenates the text parts of every candidate
func joinCandidateText(resp *genai.GenerateContentResponse) string {
	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				builder.WriteString(string(text))
			}
		}
	}
	return builder.String()
}

// estimateTokens approximates token usage when the provider omits counts
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// postJSON issues a POST to the Gemini REST API and decodes the response
func (s *CompletionService) postJSON(ctx context.Context, url string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", s.cfg.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &googleapi.Error{Code: resp.StatusCode, Body: string(bodyBytes)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// withRetry runs fn with exponential backoff plus jitter for transient
// provider errors, up to maxAttempts, surfacing the final error
func (s *CompletionService) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
			log.Printf("Retrying %s (attempt %d/%d) after %s: %v", op, attempt+1, maxAttempts, wait, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

// isRetryable reports whether an error looks like a transient provider
// failure (rate limit, timeout, 5xx, transport)
func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// normalizeVector scales an embedding to unit length
func normalizeVector(vector []float64) []float64 {
	if len(vector) == 0 {
		return []float64{}
	}
	norm := 0.0
	for _, v := range vector {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vector {
			vector[i] /= norm
		}
	}
	return vector
}

// warnOnDimensionMismatch logs when the provider returns an unexpected size
func (s *CompletionService) warnOnDimensionMismatch(vector []float64) {
	if len(vector) == 0 {
		return
	}
	if len(vector) != s.cfg.EmbeddingDimensions {
		log.Printf("Warning: embedding dimension mismatch: expected %d, got %d",
			s.cfg.EmbeddingDimensions, len(vector))
	}
}

package models

// ChatRequest represents an incoming chat query
type ChatRequest struct {
	Message     string  `json:"message" binding:"required"`
	TopK        int     `json:"top_k,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Default request values applied when the client omits a field
const (
	DefaultTopK        = 5
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 512
)

// TopKOrDefault returns the requested top_k or the default
func (r *ChatRequest) TopKOrDefault() int {
	if r.TopK > 0 {
		return r.TopK
	}
	return DefaultTopK
}

// TemperatureOrDefault returns the requested temperature or the default
func (r *ChatRequest) TemperatureOrDefault() float64 {
	if r.Temperature > 0 {
		return r.Temperature
	}
	return DefaultTemperature
}

// MaxTokensOrDefault returns the requested max_tokens or the default
func (r *ChatRequest) MaxTokensOrDefault() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// ChatResponse represents the answer returned to the client
type ChatResponse struct {
	Answer               string           `json:"answer"`
	Sources              []SourceDocument `json:"sources"`
	HasSufficientContext bool             `json:"has_sufficient_context"`
	TokensUsed           int              `json:"tokens_used"`
	SuggestedActions     []string         `json:"suggested_actions,omitempty"`
}

// ChatMessage is a single turn of conversation history
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SourceDocument is a citation record derived from a retrieved chunk
type SourceDocument struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	RelevanceScore float64                `json:"relevance_score"`
	Excerpt        string                 `json:"excerpt"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Package completion serves an OpenAI-shaped chat completion endpoint backed
// by a pluggable Backend. The bundled MockBackend stands in for a real model.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/chatgate/clock"
)

// DefaultModel is used when a request names none
const DefaultModel = "gpt-3.5-turbo"

// Message is one chat turn
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is the body of POST /v1/chat/completions
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// Response is a non-streaming chat completion
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one generated message
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage counts whitespace-separated words as tokens
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Backend generates the assistant reply for a conversation
type Backend interface {
	Complete(ctx context.Context, messages []Message, model string) (string, error)
}

// MockBackend returns canned replies keyed on the last message
type MockBackend struct {
	// Delay simulates model latency. Zero replies immediately.
	Delay time.Duration
}

// Complete implements Backend
func (b MockBackend) Complete(ctx context.Context, messages []Message, model string) (string, error) {
	if b.Delay > 0 {
		timer := time.NewTimer(b.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	prompt := "Hello"
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}

	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "python"):
		return "Here's a Python example: def hello(): print('Hello, World!')", nil
	case strings.Contains(lower, "joke"):
		return "Why do programmers prefer dark mode? Because light attracts bugs!", nil
	default:
		if r := []rune(prompt); len(r) > 50 {
			prompt = string(r[:50])
		}
		return "This is a mock response to: " + prompt + ". A deployment would forward this to a real model.", nil
	}
}

// Handler serves chat completions
type Handler struct {
	backend Backend
	clock   clock.Clock
}

// NewHandler creates a completion handler. A nil clock uses the system clock.
func NewHandler(backend Backend, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{backend: backend, clock: clk}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ServeHTTP handles POST /v1/chat/completions
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		sendError(w, http.StatusBadRequest, "missing_messages", "messages must not be empty")
		return
	}
	if req.Stream {
		sendError(w, http.StatusBadRequest, "stream_unsupported", "Streaming responses are not supported")
		return
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}

	text, err := h.backend.Complete(r.Context(), req.Messages, req.Model)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Str("model", req.Model).Msg("completion backend failed")
		sendError(w, http.StatusBadGateway, "backend_error", "Completion backend failed")
		return
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += countTokens(m.Content)
	}
	completion := countTokens(text)

	resp := Response{
		ID:      NewID(),
		Object:  "chat.completion",
		Created: h.clock.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// NewID returns a completion id of the form chatcmpl-<24 hex digits>
func NewID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func countTokens(s string) int {
	return len(strings.Fields(s))
}

func sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

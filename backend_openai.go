package logextract

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultOpenAIURL points at Ollama's OpenAI-compatible endpoint.
const DefaultOpenAIURL = "http://localhost:11434/v1"

// OpenAIBackend speaks the chat-completions protocol used by OpenAI and the
// compatible servers (vLLM, llama.cpp, Ollama /v1).
type OpenAIBackend struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	log     *slog.Logger
}

func NewOpenAIBackend(baseURL, apiKey string, log *slog.Logger) *OpenAIBackend {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{},
		log:     log,
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Envelope() Envelope { return OpenAIEnvelope{} }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

func (b *OpenAIBackend) header() http.Header {
	h := http.Header{}
	if b.APIKey != "" {
		h.Set("Authorization", "Bearer "+b.APIKey)
	}
	return h
}

func (b *OpenAIBackend) body(req ExtractionRequest, stream bool) chatRequest {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	return chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (b *OpenAIBackend) Complete(ctx context.Context, req ExtractionRequest) (string, error) {
	resp, err := postJSON(ctx, b.HTTP, b.Name(), b.BaseURL+"/chat/completions", b.body(req, false), b.header())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read openai response: %w", err)
	}
	text, _, err := OpenAIEnvelope{}.Decode(raw)
	if err != nil {
		return "", &BackendError{Backend: b.Name(), Status: resp.StatusCode, Message: "undecodable response: " + err.Error(), Err: err}
	}
	b.log.Debug("OpenAI response", "length", len(text))
	return text, nil
}

// Stream yields one fragment per server-sent event line.
func (b *OpenAIBackend) Stream(ctx context.Context, req ExtractionRequest) (iter.Seq[Fragment], error) {
	h := b.header()
	h.Set("Accept", "text/event-stream")
	resp, err := postJSON(ctx, b.HTTP, b.Name(), b.BaseURL+"/chat/completions", b.body(req, true), h)
	if err != nil {
		return nil, err
	}
	return lineFragments(ctx, b.Name(), resp.Body), nil
}

func (b *OpenAIBackend) Ping(ctx context.Context) error {
	resp, err := getURL(ctx, b.HTTP, b.Name(), b.BaseURL+"/models", b.header())
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

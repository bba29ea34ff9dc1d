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

const DefaultOllamaURL = "http://localhost:11434"

// OllamaBackend talks to a local Ollama server. Requests go to /api/generate,
// or to /api/chat with a system message when Chat is set.
type OllamaBackend struct {
	BaseURL string
	Chat    bool
	HTTP    *http.Client
	log     *slog.Logger
}

// NewOllamaBackend returns a backend for baseURL (empty → DefaultOllamaURL).
func NewOllamaBackend(baseURL string, chat bool, log *slog.Logger) *OllamaBackend {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &OllamaBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Chat:    chat,
		HTTP:    &http.Client{},
		log:     log,
	}
}

func (b *OllamaBackend) Name() string { return "ollama" }

func (b *OllamaBackend) Envelope() Envelope { return OllamaEnvelope{} }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Prompt   string          `json:"prompt,omitempty"`
	System   string          `json:"system,omitempty"`
	Messages []ollamaMessage `json:"messages,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

func (b *OllamaBackend) request(req ExtractionRequest, stream bool) (string, ollamaRequest) {
	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	body := ollamaRequest{Model: req.Model, Stream: stream, Options: opts}
	if !b.Chat {
		body.Prompt = req.Prompt
		body.System = req.System
		return b.BaseURL + "/api/generate", body
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, ollamaMessage{Role: "user", Content: req.Prompt})
	return b.BaseURL + "/api/chat", body
}

func (b *OllamaBackend) Complete(ctx context.Context, req ExtractionRequest) (string, error) {
	url, body := b.request(req, false)
	resp, err := postJSON(ctx, b.HTTP, b.Name(), url, body, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ollama response: %w", err)
	}
	text, _, err := OllamaEnvelope{}.Decode(raw)
	if err != nil {
		return "", &BackendError{Backend: b.Name(), Status: resp.StatusCode, Message: "undecodable response: " + err.Error(), Err: err}
	}
	b.log.Debug("Ollama response", "url", url, "length", len(text))
	return text, nil
}

func (b *OllamaBackend) Stream(ctx context.Context, req ExtractionRequest) (iter.Seq[Fragment], error) {
	url, body := b.request(req, true)
	resp, err := postJSON(ctx, b.HTTP, b.Name(), url, body, nil)
	if err != nil {
		return nil, err
	}
	return lineFragments(ctx, b.Name(), resp.Body), nil
}

// Ping lists the installed models.
func (b *OllamaBackend) Ping(ctx context.Context) error {
	resp, err := getURL(ctx, b.HTTP, b.Name(), b.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

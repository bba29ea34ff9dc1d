package logextract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GeminiBackend generates through the Google GenAI SDK.
type GeminiBackend struct {
	client *genai.Client
	log    *slog.Logger
}

func NewGeminiBackend(client *genai.Client, log *slog.Logger) *GeminiBackend {
	if log == nil {
		log = slog.Default()
	}
	return &GeminiBackend{client: client, log: log}
}

// NewGeminiClient creates a Gemini API client for apiKey.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  apiKey,
	})
}

func (b *GeminiBackend) Name() string { return "gemini" }

func (b *GeminiBackend) Envelope() Envelope { return GeminiEnvelope{} }

func (b *GeminiBackend) contents(req ExtractionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(req.Prompt)}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	temp := float32(req.Temperature)
	config.Temperature = &temp
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return contents, config
}

func (b *GeminiBackend) Complete(ctx context.Context, req ExtractionRequest) (string, error) {
	contents, config := b.contents(req)
	b.log.Debug("Generating content", "model", req.Model, "content_count", len(contents))

	resp, err := b.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return "", b.wrap(err)
	}
	b.log.Debug("Received response", "candidates_count", len(resp.Candidates))
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// Stream re-encodes each SDK chunk as JSON so it flows through GeminiEnvelope
// like any other wire fragment.
func (b *GeminiBackend) Stream(ctx context.Context, req ExtractionRequest) (iter.Seq[Fragment], error) {
	contents, config := b.contents(req)
	chunks := b.client.Models.GenerateContentStream(ctx, req.Model, contents, config)
	return func(yield func(Fragment) bool) {
		for chunk, err := range chunks {
			if err != nil {
				yield(Fragment{Err: b.wrap(err)})
				return
			}
			payload, err := json.Marshal(chunk)
			if err != nil {
				b.log.Debug("Skipping unencodable chunk", "error", err)
				continue
			}
			if !yield(Fragment{Payload: payload}) {
				return
			}
		}
	}, nil
}

func (b *GeminiBackend) Ping(ctx context.Context) error {
	if _, err := b.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return b.wrap(err)
	}
	return nil
}

// wrap maps SDK API errors onto *BackendError; context errors pass through.
func (b *GeminiBackend) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{Backend: b.Name(), Status: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &BackendError{Backend: b.Name(), Status: apiErrPtr.Code, Message: apiErrPtr.Message, Err: err}
	}
	return &BackendError{Backend: b.Name(), Message: err.Error(), Err: err}
}

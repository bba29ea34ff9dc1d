package logextract

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"unicode"

	"google.golang.org/genai"
)

// Embedder turns texts into vectors. Model identifies the vector space; an
// index built with one model is never searched with another.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Model() string
}

// OllamaEmbedder calls Ollama's /api/embeddings, one text per request.
type OllamaEmbedder struct {
	BaseURL string
	model   string
	HTTP    *http.Client
	log     *slog.Logger
}

func NewOllamaEmbedder(baseURL, model string, log *slog.Logger) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if log == nil {
		log = slog.Default()
	}
	return &OllamaEmbedder{BaseURL: strings.TrimRight(baseURL, "/"), model: model, HTTP: &http.Client{}, log: log}
}

func (o *OllamaEmbedder) Name() string  { return "ollama" }
func (o *OllamaEmbedder) Model() string { return o.model }

func (o *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		resp, err := postJSON(ctx, o.HTTP, "ollama", o.BaseURL+"/api/embeddings", map[string]any{
			"model":  o.model,
			"prompt": text,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		vec, err := decodeEmbedding(raw)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out = append(out, vec)
	}
	o.log.Debug("Embedded texts", "model", o.model, "count", len(out))
	return out, nil
}

func decodeEmbedding(raw []byte) ([]float32, error) {
	p := envelopeParsers.Get()
	defer envelopeParsers.Put(p)
	v, err := p.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	arr := v.GetArray("embedding")
	if len(arr) == 0 {
		return nil, fmt.Errorf("decode embedding: empty vector")
	}
	vec := make([]float32, len(arr))
	for i, x := range arr {
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("decode embedding[%d]: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// GeminiEmbedder embeds through the Google GenAI SDK.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGeminiEmbedder(client *genai.Client, model string) *GeminiEmbedder {
	if model == "" {
		model = "text-embedding-004"
	}
	return &GeminiEmbedder{client: client, model: model}
}

func (g *GeminiEmbedder) Name() string  { return "gemini" }
func (g *GeminiEmbedder) Model() string { return g.model }

func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, (&GeminiBackend{}).wrap(err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// HashEmbedder is a deterministic, offline bag-of-words embedder: each
// lower-cased term is hashed into one of Dim buckets. Texts sharing vocabulary
// end up close under cosine similarity.
type HashEmbedder struct {
	Dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dim: dim}
}

func (h *HashEmbedder) Name() string  { return "hash" }
func (h *HashEmbedder) Model() string { return fmt.Sprintf("hash-%d", h.Dim) }

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, h.Dim)
		for _, term := range splitTerms(text) {
			f := fnv.New32a()
			f.Write([]byte(term))
			vec[f.Sum32()%uint32(h.Dim)]++
		}
		out[i] = normalize(vec)
	}
	return out, nil
}

func splitTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

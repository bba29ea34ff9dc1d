package logextract

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Document is one reference text of the retrieval corpus.
type Document struct {
	ID      uuid.UUID `json:"id" yaml:"-"`
	Name    string    `json:"name" yaml:"name"`
	Content string    `json:"content" yaml:"content"`
}

// NewDocument derives a stable ID from the content.
func NewDocument(name, content string) Document {
	return Document{
		ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(content)),
		Name:    name,
		Content: content,
	}
}

// Index is an embedded corpus. It is immutable once built or loaded.
type Index struct {
	Model       string
	Fingerprint string
	Dim         int
	Docs        []Document
	Vectors     [][]float32
	CreatedAt   time.Time
}

// Hit is a search result.
type Hit struct {
	Document Document
	Score    float64
}

// Search returns the k documents most similar to vec. Ties keep corpus order.
func (ix *Index) Search(vec []float32, k int) []Hit {
	hits := make([]Hit, len(ix.Docs))
	for i := range ix.Docs {
		hits[i] = Hit{Document: ix.Docs[i], Score: cosineSimilarity(vec, ix.Vectors[i])}
	}
	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(b.Score, a.Score) })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Fingerprint identifies a corpus embedded with a given model.
func Fingerprint(model string, docs []Document) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, d := range docs {
		h.Write([]byte{0})
		h.Write([]byte(d.Name))
		h.Write([]byte{0})
		h.Write([]byte(d.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IndexStore persists indexes keyed by embedding model.
type IndexStore interface {
	// Load returns ErrIndexNotFound when nothing is stored for model.
	Load(ctx context.Context, model string) (*Index, error)
	Save(ctx context.Context, ix *Index) error
}

// Augmenter retrieves reference documents relevant to a query. The index is
// ensured once, before any query, and is read-only afterwards so concurrent
// workers may call Retrieve freely.
type Augmenter struct {
	embedder Embedder
	store    IndexStore // nil → index kept in memory only
	corpus   []Document
	log      *slog.Logger

	mu    sync.Mutex
	index atomic.Pointer[Index]
}

func NewAugmenter(embedder Embedder, store IndexStore, corpus []Document, log *slog.Logger) *Augmenter {
	if log == nil {
		log = slog.Default()
	}
	return &Augmenter{embedder: embedder, store: store, corpus: corpus, log: log}
}

// Index returns the ensured index, or nil before Ensure succeeded.
func (a *Augmenter) Index() *Index { return a.index.Load() }

// Ensure loads the persisted index for the embedder's model, or embeds the
// corpus and persists it when none exists. Only the first successful call
// does any work. A persisted index whose fingerprint no longer matches the
// corpus is reported as stale and still used.
func (a *Augmenter) Ensure(ctx context.Context) error {
	if a.index.Load() != nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.index.Load() != nil {
		return nil
	}
	if a.embedder == nil {
		return ErrNoEmbedder
	}

	model := a.embedder.Model()
	fp := Fingerprint(model, a.corpus)

	if a.store != nil {
		ix, err := a.store.Load(ctx, model)
		switch {
		case err == nil:
			if ix.Fingerprint != fp {
				a.log.Warn("Retrieval index is stale, using it anyway",
					"model", model, "stored_docs", len(ix.Docs), "corpus_docs", len(a.corpus))
			}
			a.log.Debug("Loaded retrieval index", "model", model, "docs", len(ix.Docs), "dim", ix.Dim)
			a.index.Store(ix)
			return nil
		case !errors.Is(err, ErrIndexNotFound):
			return fmt.Errorf("load index: %w", err)
		}
	}

	ix, err := a.build(ctx, model, fp)
	if err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.Save(ctx, ix); err != nil {
			return fmt.Errorf("save index: %w", err)
		}
	}
	a.log.Info("Built retrieval index", "model", model, "docs", len(ix.Docs), "dim", ix.Dim)
	a.index.Store(ix)
	return nil
}

func (a *Augmenter) build(ctx context.Context, model, fp string) (*Index, error) {
	if len(a.corpus) == 0 {
		return nil, ErrEmptyCorpus
	}
	texts := make([]string, len(a.corpus))
	for i, d := range a.corpus {
		texts[i] = d.Content
	}
	vecs, err := a.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed corpus: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed corpus: got %d vectors for %d documents", len(vecs), len(texts))
	}
	return &Index{
		Model:       model,
		Fingerprint: fp,
		Dim:         len(vecs[0]),
		Docs:        slices.Clone(a.corpus),
		Vectors:     vecs,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Retrieve returns the k documents closest to query (k ≤ 0 → DefaultTopK).
func (a *Augmenter) Retrieve(ctx context.Context, query string, k int) ([]Hit, error) {
	ix := a.index.Load()
	if ix == nil {
		return nil, ErrIndexNotReady
	}
	if k <= 0 {
		k = DefaultTopK
	}
	vecs, err := a.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	hits := ix.Search(vecs[0], k)
	a.log.Debug("Retrieved documents", "k", k, "hits", len(hits))
	return hits, nil
}

// Context renders the retrieved documents as prompt text separated by blank lines.
func (a *Augmenter) Context(ctx context.Context, query string, k int) (string, error) {
	hits, err := a.Retrieve(ctx, query, k)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, strings.TrimSpace(h.Document.Content))
	}
	return strings.Join(parts, "\n\n"), nil
}

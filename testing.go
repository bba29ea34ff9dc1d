package logextract

import (
	"context"
	"encoding/json"
	"iter"
	"sync/atomic"
)

// FuncBackend is an in-memory Backend for tests and offline runs. Respond
// produces the complete response text; streamed calls split it into Ollama
// envelopes of ChunkSize runes followed by a done envelope.
type FuncBackend struct {
	Respond   func(ctx context.Context, req ExtractionRequest) (string, error)
	ChunkSize int

	calls atomic.Int64
}

// NewFuncBackend returns a FuncBackend streaming in 8-rune chunks.
func NewFuncBackend(respond func(ctx context.Context, req ExtractionRequest) (string, error)) *FuncBackend {
	return &FuncBackend{Respond: respond, ChunkSize: 8}
}

// StaticBackend always answers text.
func StaticBackend(text string) *FuncBackend {
	return NewFuncBackend(func(context.Context, ExtractionRequest) (string, error) { return text, nil })
}

// Calls reports how many requests reached the backend.
func (f *FuncBackend) Calls() int { return int(f.calls.Load()) }

func (f *FuncBackend) Name() string { return "func" }

func (f *FuncBackend) Envelope() Envelope { return OllamaEnvelope{} }

func (f *FuncBackend) Ping(context.Context) error { return nil }

func (f *FuncBackend) Complete(ctx context.Context, req ExtractionRequest) (string, error) {
	f.calls.Add(1)
	return f.Respond(ctx, req)
}

func (f *FuncBackend) Stream(ctx context.Context, req ExtractionRequest) (iter.Seq[Fragment], error) {
	f.calls.Add(1)
	text, err := f.Respond(ctx, req)
	if err != nil {
		return nil, err
	}
	size := f.ChunkSize
	if size < 1 {
		size = 8
	}
	runes := []rune(text)
	return func(yield func(Fragment) bool) {
		for off := 0; off < len(runes); off += size {
			chunk := string(runes[off:min(off+size, len(runes))])
			payload, _ := json.Marshal(map[string]any{"response": chunk, "done": false})
			if !yield(Fragment{Payload: payload}) {
				return
			}
		}
		yield(Fragment{Payload: []byte(`{"response":"","done":true}`)})
	}, nil
}

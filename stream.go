package logextract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

// Envelope decodes one streamed fragment into its partial text. done reports
// the backend's completion signal.
type Envelope interface {
	Decode(payload []byte) (text string, done bool, err error)
}

// EnvelopeFunc adapts a function to Envelope.
type EnvelopeFunc func(payload []byte) (string, bool, error)

func (f EnvelopeFunc) Decode(payload []byte) (string, bool, error) { return f(payload) }

var (
	envelopeParsers fastjson.ParserPool

	errEmptyFragment = errors.New("empty fragment")
	sseDone          = []byte("[DONE]")
)

// OllamaEnvelope decodes newline-delimited generate or chat envelopes:
// {"response": "...", "done": false} or {"message": {"content": "..."}}.
type OllamaEnvelope struct{}

func (OllamaEnvelope) Decode(payload []byte) (string, bool, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", false, errEmptyFragment
	}
	p := envelopeParsers.Get()
	defer envelopeParsers.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return "", false, err
	}
	if msg := v.GetStringBytes("error"); msg != nil {
		return "", false, fmt.Errorf("error envelope: %s", msg)
	}
	var text []byte
	if r := v.Get("response"); r != nil {
		text = r.GetStringBytes()
	} else {
		text = v.GetStringBytes("message", "content")
	}
	return string(text), v.GetBool("done"), nil
}

// OpenAIEnvelope decodes chat-completion chunks, either as server-sent events
// ("data: {...}", "data: [DONE]") or as a bare JSON body.
type OpenAIEnvelope struct{}

func (OpenAIEnvelope) Decode(payload []byte) (string, bool, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", false, errEmptyFragment
	}
	if !bytes.HasPrefix(payload, []byte("data:")) {
		return decodeOpenAIChunk(payload)
	}

	var (
		sb   strings.Builder
		done bool
	)
	for _, line := range bytes.Split(payload, []byte("\n")) {
		line = bytes.TrimSpace(line)
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue // event:, id:, comments
		}
		data = bytes.TrimSpace(data)
		if bytes.Equal(data, sseDone) {
			done = true
			continue
		}
		text, _, err := decodeOpenAIChunk(data)
		if err != nil {
			return "", false, err
		}
		sb.WriteString(text)
	}
	return sb.String(), done, nil
}

func decodeOpenAIChunk(data []byte) (string, bool, error) {
	p := envelopeParsers.Get()
	defer envelopeParsers.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return "", false, err
	}
	if e := v.Get("error"); e != nil {
		return "", false, fmt.Errorf("error envelope: %s", e.GetStringBytes("message"))
	}
	choice := v.Get("choices", "0")
	if choice == nil {
		return "", false, nil
	}
	text := choice.GetStringBytes("delta", "content")
	if text == nil {
		text = choice.GetStringBytes("message", "content")
	}
	return string(text), false, nil
}

// GeminiEnvelope decodes JSON-encoded GenerateContentResponse chunks.
type GeminiEnvelope struct{}

func (GeminiEnvelope) Decode(payload []byte) (string, bool, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return "", false, errEmptyFragment
	}
	p := envelopeParsers.Get()
	defer envelopeParsers.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return "", false, err
	}
	var sb strings.Builder
	for _, part := range v.GetArray("candidates", "0", "content", "parts") {
		sb.Write(part.GetStringBytes("text"))
	}
	done := len(v.GetStringBytes("candidates", "0", "finishReason")) > 0
	return sb.String(), done, nil
}

// Assembly is the outcome of consuming one fragment stream.
type Assembly struct {
	Text      string
	Fragments int
	Decoded   int
	Skipped   int
	Done      bool // completion signal seen
}

// StreamAssembler concatenates the decodable fragments of a stream in
// arrival order. Fragments that fail to decode are skipped.
type StreamAssembler struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewStreamAssembler returns an assembler that gives up after timeout
// (0 → only the context bounds it).
func NewStreamAssembler(timeout time.Duration, log *slog.Logger) *StreamAssembler {
	if log == nil {
		log = slog.Default()
	}
	return &StreamAssembler{timeout: timeout, log: log}
}

// Assemble consumes seq until the completion signal, the end of the sequence,
// a transport failure, or the timeout. The text gathered so far is returned in
// every case; a transport failure or timeout is returned alongside it.
func (a *StreamAssembler) Assemble(ctx context.Context, seq iter.Seq[Fragment], env Envelope) (Assembly, error) {
	frags := make(chan Fragment)
	stop := make(chan struct{})
	go func() {
		defer close(frags)
		for f := range seq {
			select {
			case frags <- f:
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	var timer <-chan time.Time
	if a.timeout > 0 {
		t := time.NewTimer(a.timeout)
		defer t.Stop()
		timer = t.C
	}

	var (
		asm Assembly
		buf strings.Builder
	)
	finish := func(err error) (Assembly, error) {
		asm.Text = buf.String()
		a.log.Debug("Stream assembled",
			"fragments", asm.Fragments,
			"decoded", asm.Decoded,
			"skipped", asm.Skipped,
			"done", asm.Done,
			"length", len(asm.Text),
			"error", err)
		return asm, err
	}

	for {
		select {
		case f, ok := <-frags:
			if !ok {
				return finish(nil)
			}
			asm.Fragments++
			if f.Err != nil {
				return finish(f.Err)
			}
			text, done, err := env.Decode(f.Payload)
			if err != nil {
				asm.Skipped++
				a.log.Debug("Skipping undecodable fragment", "index", asm.Fragments-1, "error", err, "payload_preview", string(f.Payload[:min(80, len(f.Payload))]))
				continue
			}
			asm.Decoded++
			buf.WriteString(text)
			if done {
				asm.Done = true
				return finish(nil)
			}
		case <-timer:
			return finish(&TimeoutError{Op: "stream", Timeout: a.timeout})
		case <-ctx.Done():
			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = &TimeoutError{Op: "stream", Err: err}
			}
			return finish(err)
		}
	}
}

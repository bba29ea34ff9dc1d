package logextract

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"
)

// Backend is a generative text service. Complete returns the whole response
// body text; Stream yields raw fragments in arrival order, decoded later by
// the backend's Envelope.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req ExtractionRequest) (string, error)
	Stream(ctx context.Context, req ExtractionRequest) (iter.Seq[Fragment], error)
	Envelope() Envelope
	Ping(ctx context.Context) error
}

// Response is the text produced by one backend call.
type Response struct {
	Text     string
	Model    string
	Latency  time.Duration
	Streamed bool
	Assembly *Assembly // set for streamed calls
}

// Client sends extraction requests to a Backend. It never retries.
type Client struct {
	backend Backend
	log     *slog.Logger
}

// NewClient wraps b. A nil log falls back to slog.Default().
func NewClient(b Backend, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{backend: b, log: log}
}

// Backend returns the wrapped backend.
func (c *Client) Backend() Backend { return c.backend }

// Ping probes the backend. Callers may treat a failure as fatal.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		return c.classify(ctx, "ping", 0, err)
	}
	return nil
}

// Do validates req, applies its timeout and dispatches it. For streamed calls
// a failure mid-stream returns the partial Response together with the error.
func (c *Client) Do(ctx context.Context, req ExtractionRequest) (*Response, error) {
	if err := req.Validate(); err != nil {
		c.log.Debug("Request rejected", "error", err)
		return nil, fmt.Errorf("extraction request: %w", err)
	}

	// Cancelling on return tears down a stream abandoned by StreamTimeout.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	c.log.Debug("Dispatching request",
		"backend", c.backend.Name(),
		"model", req.Model,
		"stream", req.Stream,
		"temperature", req.Temperature,
		"max_tokens", req.MaxTokens,
		"timeout", req.Timeout,
		"prompt_length", len(req.Prompt))

	start := time.Now()
	resp := &Response{Model: req.Model, Streamed: req.Stream}

	if !req.Stream {
		text, err := c.backend.Complete(ctx, req)
		resp.Latency = time.Since(start)
		if err != nil {
			return nil, c.classify(ctx, "complete", req.Timeout, err)
		}
		resp.Text = text
		c.log.Debug("Response received", "latency", resp.Latency, "length", len(text))
		return resp, nil
	}

	seq, err := c.backend.Stream(ctx, req)
	if err != nil {
		resp.Latency = time.Since(start)
		return nil, c.classify(ctx, "stream", req.Timeout, err)
	}
	asm, err := NewStreamAssembler(req.StreamTimeout, c.log).Assemble(ctx, seq, c.backend.Envelope())
	resp.Latency = time.Since(start)
	resp.Text = asm.Text
	resp.Assembly = &asm
	if err != nil {
		return resp, c.classify(ctx, "stream", req.Timeout, err)
	}
	c.log.Debug("Stream received", "latency", resp.Latency, "fragments", asm.Fragments, "skipped", asm.Skipped, "length", len(asm.Text))
	return resp, nil
}

// classify maps transport errors onto *TimeoutError and *BackendError.
func (c *Client) classify(ctx context.Context, op string, timeout time.Duration, err error) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		if te.Timeout == 0 {
			te.Timeout = timeout
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: c.backend.Name() + " " + op, Timeout: timeout, Err: err}
	}
	var be *BackendError
	if errors.As(err, &be) || errors.Is(err, context.Canceled) {
		return err
	}
	return &BackendError{Backend: c.backend.Name(), Message: err.Error(), Err: err}
}

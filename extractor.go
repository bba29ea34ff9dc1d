package logextract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Extractor runs the extraction chain for one batch of entries: retrieval
// context, prompt composition, one backend call, and JSON recovery.
type Extractor struct {
	client  *Client
	prompts *PromptBuilder
	opts    Options
	log     *slog.Logger
}

// New returns an Extractor with the default options overridden by optFns.
// A nil prompts uses the built-in templates.
func New(client *Client, prompts *PromptBuilder, optFns ...func(*Options)) *Extractor {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	log := opts.Logger
	if log == nil {
		log = client.log
	}
	if prompts == nil {
		prompts, _ = NewPromptBuilder()
	}
	opts.Logger = log
	return &Extractor{client: client, prompts: prompts, opts: opts, log: log}
}

// options merges per-call overrides into a copy of the extractor's options.
func (x *Extractor) options(optFns []func(*Options)) Options {
	opts := x.opts
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = x.log
	}
	return opts
}

// Extract partitions entries into batches and extracts them concurrently.
func (x *Extractor) Extract(ctx context.Context, entries []LogEntry, optFns ...func(*Options)) (*BatchResult, error) {
	return NewCoordinator(x).Run(ctx, entries, optFns...)
}

// ExtractOne extracts a single entry. Unlike the batch paths it returns the
// entry's failure as an error.
func (x *Extractor) ExtractOne(ctx context.Context, entry LogEntry, optFns ...func(*Options)) (*RecoveredRecord, error) {
	res := x.ExtractBatch(ctx, 0, 0, []LogEntry{entry}, optFns...)[0]
	if res.Failure != nil {
		return nil, res.Failure
	}
	return res.Record, nil
}

// ExtractBatch runs the chain once for entries, whose first element has input
// index offset. It never returns an error: every entry gets either a record or
// a failure marker.
func (x *Extractor) ExtractBatch(ctx context.Context, batch, offset int, entries []LogEntry, optFns ...func(*Options)) []EntryResult {
	return x.extractBatch(ctx, x.options(optFns), batch, offset, entries)
}

func (x *Extractor) extractBatch(ctx context.Context, opts Options, batch, offset int, entries []LogEntry) []EntryResult {
	log := opts.Logger.With("batch", batch, "entries", len(entries))
	results := make([]EntryResult, len(entries))
	for i, e := range entries {
		results[i] = EntryResult{Index: offset + i, Batch: batch, Entry: e}
	}
	fail := func(from int, f *Failure) []EntryResult {
		for i := from; i < len(results); i++ {
			results[i].Failure = f
		}
		return results
	}

	var refContext string
	if opts.Augmenter != nil {
		query := joinEntries(entries)
		c, err := opts.Augmenter.Context(ctx, query, opts.TopK)
		if err != nil {
			log.Warn("Retrieval failed, continuing without context", "error", err)
		} else {
			refContext = c
		}
	}

	prompt, err := x.prompts.Build(PromptInput{Schema: opts.Schema, Context: refContext, Entries: entries})
	if err != nil {
		log.Warn("Prompt composition failed", "error", err)
		return fail(0, &Failure{Kind: FailurePrompt, Err: err})
	}
	log.Debug("Prompt built", "prompt_length", len(prompt.User), "estimated_tokens", EstimateTokens(prompt.User), "context_length", len(refContext))

	resp, err := x.client.Do(ctx, ExtractionRequest{
		Model:         opts.Model,
		System:        prompt.System,
		Prompt:        prompt.User,
		Temperature:   opts.Temperature,
		MaxTokens:     opts.MaxTokens,
		Timeout:       opts.Timeout,
		Stream:        opts.Streaming,
		StreamTimeout: opts.StreamTimeout,
	})
	if err != nil {
		raw := ""
		if resp != nil {
			raw = resp.Text
		}
		log.Warn("Backend call failed", "error", err, "partial_length", len(raw))
		return fail(0, &Failure{Kind: classifyFailure(err), Raw: raw, Err: err})
	}

	rec, err := RecoverWith(log, resp.Text)
	if err != nil {
		log.Warn("Recovery failed", "error", err, "response_length", len(resp.Text))
		return fail(0, &Failure{Kind: FailureRecovery, Raw: resp.Text, Err: err})
	}
	log.Debug("Recovered response", "step", rec.Step, "latency", resp.Latency)

	values, err := distribute(rec, len(entries))
	if err != nil {
		log.Warn("Unexpected response shape", "error", err)
		return fail(0, &Failure{Kind: FailureRecovery, Raw: resp.Text, Err: &RecoveryError{Raw: resp.Text, Err: err}})
	}
	if len(values) > len(entries) {
		log.Warn("Backend returned surplus records", "records", len(values))
		values = values[:len(entries)]
	}

	for i, v := range values {
		if !isStructured(v) {
			err := fmt.Errorf("record %d is not a JSON object or array", i)
			log.Warn("Discarding scalar record", "index", offset+i)
			results[i].Failure = &Failure{Kind: FailureRecovery, Raw: resp.Text, Err: &RecoveryError{Raw: resp.Text, Err: err}}
			continue
		}
		raw, _ := json.Marshal(v)
		results[i].Record = &RecoveredRecord{
			ID:      uuid.New(),
			Entry:   entries[i],
			Value:   v,
			Raw:     raw,
			Latency: resp.Latency,
			Model:   resp.Model,
			Batch:   batch,
		}
	}
	if len(values) < len(entries) {
		log.Warn("Backend returned fewer records than entries", "records", len(values))
		return fail(len(values), &Failure{
			Kind: FailureMissing,
			Raw:  resp.Text,
			Err:  fmt.Errorf("response held %d records for %d entries", len(values), len(entries)),
		})
	}
	return results
}

// distribute splits a recovered value into per-entry records. A single entry
// takes the whole value (a one-element array holding an object or array is
// unwrapped). Several entries pair up positionally with an array, or with the
// only array-valued field of an object wrapper such as {"records": [...]}.
// Elements are returned as is; the caller rejects scalars.
func distribute(rec Recovered, n int) ([]any, error) {
	if n == 1 {
		if arr, ok := rec.Value.([]any); ok && len(arr) == 1 && isStructured(arr[0]) {
			return arr, nil
		}
		return []any{rec.Value}, nil
	}
	switch v := rec.Value.(type) {
	case []any:
		return v, nil
	case map[string]any:
		var found []any
		arrays := 0
		for _, field := range v {
			if arr, ok := field.([]any); ok {
				found = arr
				arrays++
			}
		}
		if arrays == 1 {
			return found, nil
		}
	}
	return nil, fmt.Errorf("expected array of %d records", n)
}

func joinEntries(entries []LogEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = string(e)
	}
	return strings.Join(parts, "\n")
}

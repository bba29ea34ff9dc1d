package logextract

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Batch is a contiguous slice of the input. Offset is the input index of its
// first entry.
type Batch struct {
	Index   int
	Offset  int
	Entries []LogEntry
}

// Partition splits entries into ceil(len/size) contiguous batches; only the
// last one may be shorter. size < 1 falls back to DefaultBatchSize.
func Partition(entries []LogEntry, size int) []Batch {
	if size < 1 {
		size = DefaultBatchSize
	}
	batches := make([]Batch, 0, (len(entries)+size-1)/size)
	for off := 0; off < len(entries); off += size {
		end := min(off+size, len(entries))
		batches = append(batches, Batch{Index: len(batches), Offset: off, Entries: entries[off:end]})
	}
	return batches
}

// Coordinator fans batches out to a bounded runner and merges their results
// back in input order. A failing batch only affects its own entries.
type Coordinator struct {
	x *Extractor
}

func NewCoordinator(x *Extractor) *Coordinator {
	return &Coordinator{x: x}
}

// Run extracts every entry. It returns an error only for problems that
// prevent any dispatch: a missing model or a retrieval index that cannot be
// ensured. Per-entry problems are reported as failure markers in the result.
func (c *Coordinator) Run(ctx context.Context, entries []LogEntry, optFns ...func(*Options)) (*BatchResult, error) {
	opts := c.x.options(optFns)
	log := opts.Logger
	start := time.Now()
	res := &BatchResult{RunID: uuid.New()}

	log.Debug("=== EXTRACTION STARTED ===",
		"run_id", res.RunID,
		"entries", len(entries),
		"model", opts.Model,
		"batch_size", opts.BatchSize,
		"workers", opts.Workers,
		"streaming", opts.Streaming,
		"retrieval", opts.Augmenter != nil)

	if opts.Model == "" {
		return nil, fmt.Errorf("extract: %w", ErrModelMissing)
	}
	if len(entries) == 0 {
		return res, nil
	}

	// The index must be ready before any worker reads it.
	if opts.Augmenter != nil {
		if err := opts.Augmenter.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("extract: retrieval index: %w", err)
		}
	}

	batches := Partition(entries, opts.BatchSize)
	res.Batches = len(batches)

	r := opts.Runner
	if r == nil {
		workers := opts.Workers
		if workers < 1 {
			workers = DefaultWorkers()
		}
		r = NewLimitedRunner(workers)
		log.Debug("Using default runner", "workers", workers)
	}

	var (
		slots    = make([][]EntryResult, len(batches))
		progress sync.Mutex
		done     int
	)
	for _, b := range batches {
		r.Go(func() error {
			defer func() {
				if v := recover(); v != nil {
					log.Error("Batch panicked", "batch", b.Index, "panic", v)
					slots[b.Index] = panicked(b, v)
				}
				if opts.Progress != nil {
					progress.Lock()
					done++
					opts.Progress(done, len(batches))
					progress.Unlock()
				}
			}()
			slots[b.Index] = c.x.extractBatch(ctx, opts, b.Index, b.Offset, b.Entries)
			return nil
		})
	}
	if err := r.Wait(); err != nil {
		// tasks never return errors; a custom runner might
		log.Warn("Runner reported an error", "error", err)
	}

	res.Results = make([]EntryResult, 0, len(entries))
	for _, slot := range slots {
		res.Results = append(res.Results, slot...)
	}
	res.Elapsed = time.Since(start)

	failed := len(res.Failures())
	log.Info("Extraction completed",
		"run_id", res.RunID,
		"entries", len(entries),
		"batches", len(batches),
		"records", len(res.Results)-failed,
		"failures", failed,
		"elapsed", res.Elapsed)
	return res, nil
}

func panicked(b Batch, v any) []EntryResult {
	f := &Failure{Kind: FailureInternal, Err: fmt.Errorf("batch %d panicked: %v", b.Index, v)}
	out := make([]EntryResult, len(b.Entries))
	for i, e := range b.Entries {
		out[i] = EntryResult{Index: b.Offset + i, Batch: b.Index, Entry: e, Failure: f}
	}
	return out
}

// Plan describes a run without contacting the backend. Prompts are rendered
// without retrieval context.
func (c *Coordinator) Plan(entries []LogEntry, optFns ...func(*Options)) (*Plan, error) {
	opts := c.x.options(optFns)
	size := opts.BatchSize
	if size < 1 {
		size = DefaultBatchSize
	}
	batches := Partition(entries, size)
	workers := opts.Workers
	if workers < 1 {
		workers = DefaultWorkers()
	}
	plan := &Plan{
		Model:     opts.Model,
		Entries:   len(entries),
		BatchSize: size,
		Workers:   workers,
		Streaming: opts.Streaming,
		Retrieval: opts.Augmenter != nil,
		TopK:      opts.TopK,
	}
	for _, b := range batches {
		p, err := c.x.prompts.Build(PromptInput{Schema: opts.Schema, Entries: b.Entries})
		if err != nil {
			return nil, fmt.Errorf("plan batch %d: %w", b.Index, err)
		}
		in := EstimateTokens(p.System) + EstimateTokens(p.User)
		out := estimateOutputTokens(len(b.Entries), opts.MaxTokens)
		plan.Batches = append(plan.Batches, PlanBatch{
			Index:        b.Index,
			Offset:       b.Offset,
			Entries:      len(b.Entries),
			InputTokens:  in,
			OutputTokens: out,
		})
		plan.InputTokens += in
		plan.OutputTokens += out
	}
	c.x.log.Debug("Plan built", "batches", len(plan.Batches), "input_tokens", plan.InputTokens)
	return plan, nil
}

// Plan describes a run of the Extractor's coordinator.
func (x *Extractor) Plan(entries []LogEntry, optFns ...func(*Options)) (*Plan, error) {
	return NewCoordinator(x).Plan(entries, optFns...)
}

// Package logextract converts unstructured log entries into structured JSON
// records using a generative text backend.
//
// # Problem Statement
//
// Log formats drift faster than parsers can be written for them. A generative
// model can read almost any log line, but its output is unreliable as data:
// it wraps JSON in prose or markdown fences, stops mid-object, escapes
// unicode twice, or returns fewer records than it was given.
//
// The logextract package solves this by providing:
//
//   - Prompt composition: stick (twig) templates for single entries and batches,
//     with an optional schema, worked examples and retrieved reference context
//   - Backends: Ollama (generate and chat), OpenAI-compatible chat completions
//     and Gemini, each with buffered and streamed calls
//   - Stream assembly: fragments concatenated in arrival order, with
//     undecodable fragments skipped
//   - JSON recovery: fence stripping, direct parse, a string-aware balanced
//     bracket scan, then unicode normalization and the same parses again
//   - Batching: entries partitioned into batches processed by a bounded worker
//     pool, with results merged back in input order
//
// # Basic Usage
//
//	backend := logextract.NewOllamaBackend("", false, nil)
//	x := logextract.New(logextract.NewClient(backend, nil), nil,
//	    logextract.WithModel("llama3"),
//	    logextract.WithBatchSize(5),
//	)
//
//	res, err := x.Extract(ctx, []logextract.LogEntry{
//	    "CPU=Intel Xeon Memory: 16GB Status=Running",
//	})
//	for _, r := range res.Results {
//	    if r.OK() {
//	        fmt.Println(r.Record.Value) // map[CPU:Intel Xeon Memory:16GB Status:Running]
//	    }
//	}
//
// A failed batch never affects another: its entries carry a Failure with the
// reason and the raw backend text instead of a record.
//
// # Retrieval
//
// An Augmenter adds the reference documents closest to each batch to its
// prompt. The index is built once per embedding model and persisted:
//
//	store, _ := logextract.OpenSQLiteIndexStore(ctx, "index.db")
//	docs, _ := logextract.LoadCorpus("corpus/")
//	aug := logextract.NewAugmenter(logextract.NewOllamaEmbedder("", "", nil), store, docs, nil)
//	res, err := x.Extract(ctx, entries, logextract.WithAugmenter(aug))
//
// # Recovery
//
// Recover can be used on its own:
//
//	rec, err := logextract.Recover("Sure! ```json\n{\"level\": \"warn\"}\n```")
//	// rec.Value == map[string]any{"level": "warn"}, rec.Step == StepBalanced
//
// # Dry Run
//
// Plan renders the prompts without calling the backend and estimates tokens:
//
//	plan, _ := x.Plan(entries)
//	out, _ := plan.Format(logextract.FormatText)
package logextract

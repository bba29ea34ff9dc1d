package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vivaneiona/logextract"
)

// app is the wiring shared by the subcommands.
type app struct {
	cfg    logextract.Config
	log    *slog.Logger
	client *logextract.Client
	x      *logextract.Extractor
	opts   []func(*logextract.Options)
	aug    *logextract.Augmenter
	close  func() error
}

func loadConfig(cmd *cobra.Command, flags *rootFlags) (logextract.Config, *slog.Logger, error) {
	cfg, err := logextract.LoadConfig(flags.configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	log := newLogger(cmd.ErrOrStderr(), logextract.ParseLevel(level))
	slog.SetDefault(log)
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg logextract.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, close: func() error { return nil }}

	backend, err := cfg.NewBackend(ctx, log)
	if err != nil {
		return nil, err
	}
	a.client = logextract.NewClient(backend, log)

	promptOpts := []logextract.PromptOption{logextract.WithSystem(cfg.Prompt.System)}
	if dir := cfg.Prompt.TemplatesDir; dir != "" {
		promptOpts = append(promptOpts, logextract.WithFS(os.DirFS(dir), "."))
	}
	prompts, err := logextract.NewPromptBuilder(promptOpts...)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	a.opts = append(cfg.Options(), logextract.WithLogger(log))

	var schema *logextract.Schema
	if path := cfg.Prompt.SchemaPath; path != "" {
		s, err := logextract.LoadSchema(path)
		if err != nil {
			return nil, err
		}
		schema = &s
		a.opts = append(a.opts, logextract.WithSchema(s))
	}

	if cfg.Retrieval.Enabled {
		embedder, err := cfg.NewEmbedder(ctx, log)
		if err != nil {
			return nil, err
		}
		docs, err := logextract.LoadCorpus(cfg.Retrieval.CorpusDir)
		if err != nil {
			return nil, err
		}
		if schema != nil {
			docs = append(docs, logextract.SchemaDocument(*schema))
		}
		store, err := logextract.OpenSQLiteIndexStore(ctx, cfg.Retrieval.IndexPath)
		if err != nil {
			return nil, err
		}
		a.close = store.Close
		a.aug = logextract.NewAugmenter(embedder, store, docs, log)
		a.opts = append(a.opts, logextract.WithAugmenter(a.aug))
	}

	a.x = logextract.New(a.client, prompts, a.opts...)
	return a, nil
}

// readEntries treats every non-blank line as one log entry.
func readEntries(r io.Reader) ([]logextract.LogEntry, error) {
	var entries []logextract.LogEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			entries = append(entries, logextract.LogEntry(line))
		}
	}
	return entries, sc.Err()
}

// readInputs reads the named files in order, or stdin when none are given.
func readInputs(cmd *cobra.Command, paths []string) ([]logextract.LogEntry, error) {
	if len(paths) == 0 {
		return readEntries(cmd.InOrStdin())
	}
	var all []logextract.LogEntry
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		entries, err := readEntries(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		all = append(all, entries...)
	}
	return all, nil
}

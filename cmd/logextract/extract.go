package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vivaneiona/logextract"
)

type extractFlags struct {
	model     string
	batchSize int
	workers   int
	stream    bool
	output    string
	ping      bool
	strict    bool
}

func newExtractCmd(root *rootFlags) *cobra.Command {
	var flags extractFlags

	cmd := &cobra.Command{
		Use:   "extract [log-file...]",
		Short: "Extract one JSON record per log line",
		Long: `Reads log entries (one per non-blank line) from the given files or stdin and
writes one JSON line per entry: the recovered record or a failure marker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, root, &flags, args)
		},
	}

	cmd.Flags().StringVarP(&flags.model, "model", "m", "", "override generation.model")
	cmd.Flags().IntVarP(&flags.batchSize, "batch-size", "b", 0, "override batch.size")
	cmd.Flags().IntVarP(&flags.workers, "workers", "w", 0, "override batch.workers")
	cmd.Flags().BoolVar(&flags.stream, "stream", false, "stream backend responses")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "write results to file instead of stdout")
	cmd.Flags().BoolVar(&flags.ping, "ping", true, "check the backend is reachable before extracting")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "exit non-zero when any entry failed")
	return cmd
}

func runExtract(cmd *cobra.Command, root *rootFlags, flags *extractFlags, args []string) error {
	ctx := cmd.Context()
	cfg, log, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := readInputs(cmd, args)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		log.Warn("No log entries to extract")
		return nil
	}

	if flags.ping {
		if err := a.client.Ping(ctx); err != nil {
			return fmt.Errorf("backend not reachable: %w", err)
		}
	}

	var overrides []func(*logextract.Options)
	if flags.model != "" {
		overrides = append(overrides, logextract.WithModel(flags.model))
	}
	if flags.batchSize > 0 {
		overrides = append(overrides, logextract.WithBatchSize(flags.batchSize))
	}
	if flags.workers > 0 {
		overrides = append(overrides, logextract.WithWorkers(flags.workers))
	}
	if flags.stream {
		overrides = append(overrides, logextract.WithStreaming())
	}
	overrides = append(overrides, logextract.WithProgress(func(done, total int) {
		log.Debug("Batch finished", "done", done, "total", total)
	}))

	res, err := a.x.Extract(ctx, entries, overrides...)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if flags.output != "" {
		f, err := os.Create(flags.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := writeResults(out, res); err != nil {
		return err
	}

	failed := len(res.Failures())
	log.Info("Done", "entries", len(res.Results), "failures", failed, "elapsed", res.Elapsed)
	if flags.strict && failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(res.Results))
	}
	return nil
}

func writeResults(w io.Writer, res *logextract.BatchResult) error {
	enc := json.NewEncoder(w)
	for _, r := range res.Results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

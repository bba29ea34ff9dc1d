package logextract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one unit of raw log text.
type LogEntry string

// Example is a worked log → output pair shown to the backend.
type Example struct {
	Log    string `json:"log" yaml:"log"`
	Output string `json:"output" yaml:"output"`
}

// Schema describes the target structure. It is prompt context only and is
// never enforced against the recovered values.
type Schema struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Examples    []Example `json:"examples,omitempty" yaml:"examples"`
}

// Text renders the schema and its examples as prompt text.
func (s Schema) Text() string {
	if s.Description == "" && len(s.Examples) == 0 {
		return ""
	}
	var b strings.Builder
	if s.Description != "" {
		b.WriteString(strings.TrimSpace(s.Description))
		b.WriteString("\n")
	}
	if len(s.Examples) > 0 {
		b.WriteString("\nExamples:\n")
		for _, ex := range s.Examples {
			fmt.Fprintf(&b, "Log: %s\nOutput:\n%s\n", strings.TrimSpace(ex.Log), strings.TrimSpace(ex.Output))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExtractionRequest is the full configuration of one backend call.
type ExtractionRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int // 0 → backend default
	Timeout     time.Duration
	Stream      bool
	// StreamTimeout bounds fragment assembly separately from Timeout (0 → none).
	StreamTimeout time.Duration
}

// Validate checks the request against the recognised option ranges.
func (r ExtractionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return ErrModelMissing
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("%w: got %v", ErrInvalidTemperature, r.Temperature)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxTokens, r.MaxTokens)
	}
	return nil
}

// Fragment is one arrival unit of a streamed response. Err is set instead of
// Payload when the transport failed mid-stream.
type Fragment struct {
	Payload []byte
	Err     error
}

// RecoveredRecord is a successfully recovered structured value.
type RecoveredRecord struct {
	ID      uuid.UUID       `json:"id"`
	Entry   LogEntry        `json:"entry"`
	Value   any             `json:"value"`
	Raw     json.RawMessage `json:"-"`
	Latency time.Duration   `json:"latency"`
	Model   string          `json:"model"`
	Batch   int             `json:"batch"`
}

// Failure describes why an entry produced no record.
type Failure struct {
	Kind FailureKind `json:"kind"`
	Raw  string      `json:"raw,omitempty"`
	Err  error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// MarshalJSON includes the error text, which encoding/json drops for error values.
func (f *Failure) MarshalJSON() ([]byte, error) {
	type alias Failure
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		*alias
		Reason string `json:"reason,omitempty"`
	}{(*alias)(f), msg})
}

// EntryResult is the outcome for one submitted log entry: either Record or
// Failure is set.
type EntryResult struct {
	Index   int              `json:"index"`
	Batch   int              `json:"batch"`
	Entry   LogEntry         `json:"entry"`
	Record  *RecoveredRecord `json:"record,omitempty"`
	Failure *Failure         `json:"failure,omitempty"`
}

// OK reports whether a record was recovered for the entry.
func (r EntryResult) OK() bool { return r.Record != nil }

// BatchResult aggregates the outcomes of every batch of one run, in input order.
type BatchResult struct {
	RunID   uuid.UUID     `json:"runId"`
	Batches int           `json:"batches"`
	Results []EntryResult `json:"results"`
	Elapsed time.Duration `json:"elapsed"`
}

// Records returns the successfully recovered records in input order.
func (b *BatchResult) Records() []*RecoveredRecord {
	out := make([]*RecoveredRecord, 0, len(b.Results))
	for _, r := range b.Results {
		if r.Record != nil {
			out = append(out, r.Record)
		}
	}
	return out
}

// Failures returns the entries that could not be extracted, in input order.
func (b *BatchResult) Failures() []EntryResult {
	var out []EntryResult
	for _, r := range b.Results {
		if r.Failure != nil {
			out = append(out, r)
		}
	}
	return out
}

// Runner lets the coordinator schedule batches with any concurrency model.
type Runner interface {
	Go(fn func() error) // schedule
	Wait() error        // join
}

// Options configures extraction and batch coordination.
type Options struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	Streaming     bool
	StreamTimeout time.Duration
	BatchSize     int
	Workers       int // 0 → DefaultWorkers()
	TopK          int
	Schema        Schema
	Augmenter     *Augmenter // nil → no retrieval context
	Runner        Runner     // nil → bounded errgroup runner; used for a single Run
	Progress      func(done, total int)
	Logger        *slog.Logger
}

const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1024
	DefaultTimeout     = 60 * time.Second
	DefaultBatchSize   = 5
	DefaultTopK        = 2
)

func defaultOptions() Options {
	return Options{
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
		BatchSize:   DefaultBatchSize,
		TopK:        DefaultTopK,
	}
}

// Functional option constructors
func WithModel(name string) func(*Options) {
	return func(o *Options) { o.Model = name }
}

func WithTemperature(t float64) func(*Options) {
	return func(o *Options) { o.Temperature = t }
}

func WithMaxTokens(n int) func(*Options) {
	return func(o *Options) { o.MaxTokens = n }
}

func WithTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.Timeout = d }
}

func WithStreaming() func(*Options) {
	return func(o *Options) { o.Streaming = true }
}

func WithStreamTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.StreamTimeout = d }
}

func WithBatchSize(n int) func(*Options) {
	return func(o *Options) { o.BatchSize = n }
}

func WithWorkers(n int) func(*Options) {
	return func(o *Options) { o.Workers = n }
}

func WithTopK(k int) func(*Options) {
	return func(o *Options) { o.TopK = k }
}

func WithSchema(s Schema) func(*Options) {
	return func(o *Options) { o.Schema = s }
}

// WithAugmenter enables retrieval: each batch prompt carries the TopK
// reference documents closest to the batch's entries.
func WithAugmenter(a *Augmenter) func(*Options) {
	return func(o *Options) { o.Augmenter = a }
}

func WithRunner(r Runner) func(*Options) {
	return func(o *Options) { o.Runner = r }
}

// WithProgress registers a callback invoked after each batch resolves.
func WithProgress(fn func(done, total int)) func(*Options) {
	return func(o *Options) { o.Progress = fn }
}

func WithLogger(log *slog.Logger) func(*Options) {
	return func(o *Options) { o.Logger = log }
}

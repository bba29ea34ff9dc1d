package logextract

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tyler-sommer/stick"
)

// Template tags looked up by PromptBuilder.
const (
	TemplateSingle = "single"
	TemplateBatch  = "batch"
)

// DefaultSystemPrompt is sent as the system message on chat-style backends.
const DefaultSystemPrompt = "You are a log parsing assistant."

var defaultTemplates = map[string]string{
	TemplateSingle: `Convert the following log entry into a single JSON object with one key per field you can identify.
{% if schema %}
Target structure:
{{ schema }}
{% endif %}
{% if context %}
Reference material:
{{ context }}
{% endif %}
Log entry:
{{ logs }}

Return only the JSON object, without explanations or markdown.`,

	TemplateBatch: `Convert each of the following {{ count }} log entries into a JSON object with one key per field you can identify.
Return a JSON array containing exactly {{ count }} objects, one per entry, in the same order as the entries.
{% if schema %}
Target structure:
{{ schema }}
{% endif %}
{% if context %}
Reference material:
{{ context }}
{% endif %}
Log entries:
{{ logs }}

Return only the JSON array, without explanations or markdown.`,
}

// → PromptBuilder renders stick (twig) templates and is fs-agnostic
type PromptBuilder struct {
	env       *stick.Env
	templates map[string]string
	vars      map[string]any
	system    string
}

// PromptOption configures a PromptBuilder.
type PromptOption func(*PromptBuilder) error

// WithFS loads every *.twig file found under dir in the supplied FS. The file
// base name is the template tag ("single.twig" → "single").
func WithFS[F fs.FS](fsys F, dir string) PromptOption {
	return func(p *PromptBuilder) error {
		return fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".twig") {
				return nil
			}
			content, readErr := fs.ReadFile(fsys, path)
			if readErr != nil {
				return fmt.Errorf("read %s: %w", path, readErr)
			}
			tag := strings.TrimSuffix(filepath.Base(path), ".twig")
			p.templates[tag] = string(content)
			return nil
		})
	}
}

// WithTemplates lets you inject an in-memory map.
func WithTemplates(m map[string]string) PromptOption {
	return func(p *PromptBuilder) error {
		for k, v := range m {
			p.templates[k] = v
		}
		return nil
	}
}

// WithVar adds a variable that will be available in all templates.
func WithVar(key string, value any) PromptOption {
	return func(p *PromptBuilder) error {
		p.vars[key] = value
		return nil
	}
}

// WithSystem replaces DefaultSystemPrompt. An empty string disables the
// system message.
func WithSystem(s string) PromptOption {
	return func(p *PromptBuilder) error {
		p.system = s
		return nil
	}
}

// NewPromptBuilder builds a prompt builder from the default templates and opts.
func NewPromptBuilder(opts ...PromptOption) (*PromptBuilder, error) {
	p := &PromptBuilder{
		env:       stick.New(nil),
		templates: make(map[string]string, len(defaultTemplates)),
		vars:      make(map[string]any),
		system:    DefaultSystemPrompt,
	}
	for k, v := range defaultTemplates {
		p.templates[k] = v
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddTemplate updates or inserts one template.
func (p *PromptBuilder) AddTemplate(tag, tpl string) { p.templates[tag] = tpl }

// PromptInput is everything a prompt is composed from.
type PromptInput struct {
	Schema  Schema
	Context string // retrieved reference material, may be empty
	Entries []LogEntry
}

// Prompt is a rendered prompt. System is empty when disabled.
type Prompt struct {
	System string
	User   string
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Build renders the single-entry template for one entry and the batch
// template otherwise. Batch entries are numbered from 1.
func (p *PromptBuilder) Build(in PromptInput) (Prompt, error) {
	if len(in.Entries) == 0 {
		return Prompt{}, ErrEmptyPrompt
	}
	tag := TemplateBatch
	if len(in.Entries) == 1 {
		tag = TemplateSingle
	}
	tpl, ok := p.templates[tag]
	if !ok {
		return Prompt{}, fmt.Errorf("template %q not found", tag)
	}

	var logs strings.Builder
	if len(in.Entries) == 1 {
		logs.WriteString(strings.TrimSpace(string(in.Entries[0])))
	} else {
		for i, e := range in.Entries {
			fmt.Fprintf(&logs, "%d. %s\n", i+1, strings.TrimSpace(string(e)))
		}
	}

	templateCtx := make(map[string]stick.Value, len(p.vars)+5)
	for k, v := range p.vars {
		templateCtx[k] = v
	}
	templateCtx["tag"] = tag
	templateCtx["count"] = len(in.Entries)
	templateCtx["logs"] = strings.TrimRight(logs.String(), "\n")
	templateCtx["schema"] = in.Schema.Text()
	templateCtx["context"] = strings.TrimSpace(in.Context)

	var out strings.Builder
	if err := p.env.Execute(tpl, &out, templateCtx); err != nil {
		return Prompt{}, fmt.Errorf("execute %q: %w", tag, err)
	}
	user := strings.TrimSpace(blankRuns.ReplaceAllString(out.String(), "\n\n"))
	if user == "" {
		return Prompt{}, fmt.Errorf("template %q: %w", tag, ErrEmptyPrompt)
	}
	return Prompt{System: p.system, User: user}, nil
}

// EstimateTokens provides a rough token estimate from text length.
func EstimateTokens(text string) int {
	// ~4 characters per token for English text
	return (len(text) + 3) / 4
}

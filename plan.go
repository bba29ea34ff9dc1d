package logextract

import (
	"fmt"
)

// Plan is a dry-run description of an extraction run.
type Plan struct {
	Model        string      `json:"model"`
	Entries      int         `json:"entries"`
	BatchSize    int         `json:"batchSize"`
	Workers      int         `json:"workers"`
	Streaming    bool        `json:"streaming"`
	Retrieval    bool        `json:"retrieval"`
	TopK         int         `json:"topK,omitempty"`
	Batches      []PlanBatch `json:"batches"`
	InputTokens  int         `json:"inputTokens"`  // estimated
	OutputTokens int         `json:"outputTokens"` // estimated
}

// PlanBatch is one planned backend call.
type PlanBatch struct {
	Index        int `json:"index"`
	Offset       int `json:"offset"`
	Entries      int `json:"entries"`
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// PlanNodeType defines the type of operation a node represents.
type PlanNodeType string

const (
	RunType         PlanNodeType = "Run"
	RetrievalType   PlanNodeType = "Retrieval"
	PromptCallType  PlanNodeType = "PromptCall"
	MergeResultType PlanNodeType = "MergeResults"
)

// PlanNode is one operation of the plan tree.
type PlanNode struct {
	Type         PlanNodeType `json:"type"`
	Name         string       `json:"name,omitempty"`
	Model        string       `json:"model,omitempty"`
	Entries      int          `json:"entries,omitempty"`
	InputTokens  int          `json:"inputTokens,omitempty"`
	OutputTokens int          `json:"outputTokens,omitempty"`
	Children     []*PlanNode  `json:"children,omitempty"`
}

// FormatType represents different output formats for the plan.
type FormatType string

const (
	FormatText FormatType = "text"
	FormatJSON FormatType = "json"
)

// Tree arranges the plan as retrieval, one prompt call per batch, then merge.
func (p *Plan) Tree() *PlanNode {
	root := &PlanNode{
		Type:         RunType,
		Model:        p.Model,
		Entries:      p.Entries,
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
	}
	if p.Retrieval {
		root.Children = append(root.Children, &PlanNode{
			Type: RetrievalType,
			Name: fmt.Sprintf("top-%d", p.TopK),
		})
	}
	for _, b := range p.Batches {
		root.Children = append(root.Children, &PlanNode{
			Type:         PromptCallType,
			Name:         fmt.Sprintf("batch %d", b.Index),
			Model:        p.Model,
			Entries:      b.Entries,
			InputTokens:  b.InputTokens,
			OutputTokens: b.OutputTokens,
		})
	}
	root.Children = append(root.Children, &PlanNode{Type: MergeResultType, Entries: p.Entries})
	return root
}

// Format renders the plan in the requested format.
func (p *Plan) Format(format FormatType) (string, error) {
	switch format {
	case FormatText, "":
		return formatAsText(p), nil
	case FormatJSON:
		return formatAsJSON(p)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// output tokens per extracted record, a rough figure for short log records
const outputTokensPerEntry = 64

func estimateOutputTokens(entries, maxTokens int) int {
	n := entries * outputTokensPerEntry
	if maxTokens > 0 && n > maxTokens {
		return maxTokens
	}
	return n
}

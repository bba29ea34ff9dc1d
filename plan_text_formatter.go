package logextract

import (
	"fmt"
	"strings"
)

// formatAsText formats the plan as an ASCII tree.
func formatAsText(p *Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Extraction Plan (%d entries, %d batches of ≤%d, %d workers)\n",
		p.Entries, len(p.Batches), p.BatchSize, p.Workers)
	formatNodeAsText(p.Tree(), "", true, &sb)
	return sb.String()
}

// formatNodeAsText recursively formats a node and its children as text.
func formatNodeAsText(node *PlanNode, prefix string, isLast bool, sb *strings.Builder) {
	connector := "├─ "
	if isLast {
		connector = "└─ "
	}
	if prefix == "" {
		connector = ""
	}

	fmt.Fprintf(sb, "%s%s%s\n", prefix, connector, formatNodeInfo(node))

	childPrefix := prefix
	if prefix == "" {
		// First level children get "  " as prefix to properly indent them
		childPrefix = "  "
	} else {
		if isLast {
			childPrefix += "   "
		} else {
			childPrefix += "│  "
		}
	}

	for i, child := range node.Children {
		formatNodeAsText(child, childPrefix, i == len(node.Children)-1, sb)
	}
}

// formatNodeInfo formats information for a single node.
func formatNodeInfo(node *PlanNode) string {
	parts := []string{string(node.Type)}

	if node.Name != "" {
		parts = append(parts, fmt.Sprintf(`"%s"`, node.Name))
	}

	var details []string
	if node.Model != "" {
		details = append(details, fmt.Sprintf("model=%s", node.Model))
	}
	if node.Entries > 0 {
		details = append(details, fmt.Sprintf("entries=%d", node.Entries))
	}
	if node.InputTokens > 0 || node.OutputTokens > 0 {
		if node.OutputTokens > 0 {
			details = append(details, fmt.Sprintf("tokens(in=%d,out=%d)", node.InputTokens, node.OutputTokens))
		} else {
			details = append(details, fmt.Sprintf("tokens(in=%d)", node.InputTokens))
		}
	}

	if len(details) > 0 {
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(details, ", ")))
	}
	return strings.Join(parts, " ")
}

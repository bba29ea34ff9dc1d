package logextract

import (
	"encoding/json"
)

// formatAsJSON formats the plan and its tree as indented JSON.
func formatAsJSON(p *Plan) (string, error) {
	bytes, err := json.MarshalIndent(struct {
		*Plan
		Tree *PlanNode `json:"tree"`
	}{p, p.Tree()}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

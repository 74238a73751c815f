package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// stripFences removes a surrounding markdown code fence from an LLM reply.
// Providers routinely wrap JSON output in ```json blocks despite
// instructions not to.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	var inside []string
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "```") && !inBlock:
			inBlock = true
		case trimmed == "```" && inBlock:
			return strings.Join(inside, "\n")
		case inBlock:
			inside = append(inside, line)
		}
	}
	return strings.Join(inside, "\n")
}

// parseCandidates decodes the extraction oracle's JSON array. Malformed
// output is an error the caller maps to the malformed-input taxonomy, not
// a crash.
func parseCandidates(text string) ([]Candidate, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	var out []Candidate
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("%w: parse candidates: %v", ErrMalformedOutput, err)
	}
	return out, nil
}

// parseProbeVerdict decodes the audit oracle's JSON verdict object.
func parseProbeVerdict(text string) (*ProbeResult, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}
	var raw struct {
		Falsified bool   `json:"falsified"`
		Reason    string `json:"reason"`
		Citation  string `json:"citation"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("%w: parse probe verdict: %v", ErrMalformedOutput, err)
	}
	return &ProbeResult{Falsified: raw.Falsified, Reason: raw.Reason, Citation: raw.Citation}, nil
}

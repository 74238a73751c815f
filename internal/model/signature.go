package model

import (
	"fmt"
	"regexp"
	"strings"
)

// SignatureStatus tracks a signature through the pipeline lifecycle
type SignatureStatus string

const (
	StatusExtracted SignatureStatus = "EXTRACTED" // Emitted by the extraction stage, not yet audited
	StatusValidated SignatureStatus = "VALIDATED" // Survived every falsification check
	StatusRejected  SignatureStatus = "REJECTED"  // A falsification check found a flaw
)

// Signature is a single conditional-logic claim extracted from source content.
// Every signature carries provenance back to the source material; a signature
// without provenance is invalid and never enters the bead store.
type Signature struct {
	ID              string          `json:"id"`                         // Stable, monotonic within source (S-001, S-002, ...)
	SourceID        string          `json:"source_id"`                  // Owning source; IDs are only unique within it
	Condition       string          `json:"condition"`                  // The IF clause
	Action          string          `json:"action"`                     // The THEN clause
	SourceRef       string          `json:"source_ref"`                 // Timestamp/page anchor in the source content
	VerbatimQuote   string          `json:"verbatim_quote"`             // Exact source text the claim came from
	Drawer          Drawer          `json:"drawer"`                     // Category assigned at extraction time
	Status          SignatureStatus `json:"status"`                     // Lifecycle state
	RejectionReason string          `json:"rejection_reason,omitempty"` // Present iff status is REJECTED
	AuditAttempts   int             `json:"audit_attempts,omitempty"`   // Falsification checks attempted by the audit
}

// LogicText joins condition and action for similarity comparison.
func (s Signature) LogicText() string {
	return s.Condition + " " + s.Action
}

// Validate checks the structural invariants every signature must hold
// before it is allowed downstream.
func (s Signature) Validate() error {
	if strings.TrimSpace(s.SourceRef) == "" {
		return fmt.Errorf("signature %s: empty source_ref", s.ID)
	}
	if strings.TrimSpace(s.VerbatimQuote) == "" {
		return fmt.Errorf("signature %s: empty verbatim_quote", s.ID)
	}
	if strings.TrimSpace(s.Condition) == "" || strings.TrimSpace(s.Action) == "" {
		return fmt.Errorf("signature %s: empty condition or action", s.ID)
	}
	return nil
}

var (
	dedupSpaceRe = regexp.MustCompile(`\s+`)
	dedupPunctRe = regexp.MustCompile(`[^a-z0-9 ]+`)
)

// LogicKey returns the normalized (condition, action) pair used for exact
// deduplication within one extraction batch. Case, punctuation, and
// whitespace variations collapse to the same key.
func (s Signature) LogicKey() string {
	norm := func(t string) string {
		t = strings.ToLower(strings.TrimSpace(t))
		t = dedupPunctRe.ReplaceAllString(t, "")
		return strings.TrimSpace(dedupSpaceRe.ReplaceAllString(t, " "))
	}
	return norm(s.Condition) + "|" + norm(s.Action)
}

// AuditVerdict is the audit stage's outcome for one signature.
type AuditVerdict struct {
	SignatureID   string   `json:"signature_id"`
	Validated     bool     `json:"validated"`
	Reason        string   `json:"reason"`                  // First failing check's reason, or the no-falsification statement
	Citation      string   `json:"citation,omitempty"`      // What the failing check cites
	FailedCheck   string   `json:"failed_check,omitempty"`  // Name of the first failing check
	Attempts      int      `json:"attempts"`                // Falsification checks attempted
	SkippedChecks []string `json:"skipped_checks,omitempty"` // Checks recorded as skipped (not passed)
}

// AuditAggregate summarizes audit outcomes across one source.
type AuditAggregate struct {
	Validated             int `json:"validated"`
	Rejected              int `json:"rejected"`
	FalsificationAttempts int `json:"falsification_attempts"`
}

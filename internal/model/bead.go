package model

import "time"

// BeadType classifies an event record in the audit trail.
type BeadType string

const (
	BeadExtraction   BeadType = "EXTRACTION"           // Extraction stage produced candidates for a chunk
	BeadAuditVerdict BeadType = "AUDIT_VERDICT"        // Audit stage decided on one signature
	BeadBundle       BeadType = "BUNDLE_CREATED"       // A bundle was assembled and persisted
	BeadNegative     BeadType = "NEGATIVE"             // Compact failure record fed back to extraction
	BeadGuardBreach  BeadType = "GUARD_BREACH"         // Injection halt or resource-guard breach
	BeadGuardFlag    BeadType = "GUARD_FLAG"           // Soft anomaly recorded without halting
	BeadArchive      BeadType = "ARCHIVE"              // Compactor moved beads to the archive partition
	BeadMalformed    BeadType = "MALFORMED_EXTRACTION" // Oracle emitted an unusable candidate
	BeadCost         BeadType = "COST"                 // Per-call spend record for the cost ceiling
)

// Bead is an immutable, timestamped event record. Beads are append-only and
// partitioned by calendar day; no bead is ever edited, only moved to archive.
type Bead struct {
	ID        string         `json:"id"`
	Type      BeadType       `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"` // Emitting component
	Content   string         `json:"content,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Rejector identifies who issued a rejection.
type Rejector string

const (
	RejectedByAuditor Rejector = "AUDITOR"
	RejectedByHuman   Rejector = "HUMAN"
)

// NegativeBead is the compact failure record produced by the negative
// feedback loop. It stores a normalized reason summary only, never the full
// signature body, so the extraction context window stays bounded.
type NegativeBead struct {
	ID            string    `json:"id"`
	Reason        string    `json:"reason"`
	SourceClaimID string    `json:"source_claim_id,omitempty"` // Empty for rejections of never-bundled candidates
	Drawer        Drawer    `json:"drawer"`
	RejectedBy    Rejector  `json:"rejected_by"`
	Timestamp     time.Time `json:"timestamp"`
}

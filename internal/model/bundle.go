package model

import "time"

// Bundle is an immutable group of validated signatures sharing one source,
// plus the audit stage's aggregate verdict. Created only after every chunk
// of the source has completed audit.
type Bundle struct {
	ID         string         `json:"bundle_id"` // Deterministic from creation time, monotonically sortable
	SourceID   string         `json:"source_id"`
	CreatedAt  time.Time      `json:"created_at"`
	Signatures []Signature    `json:"signatures"` // VALIDATED members only
	Verdict    AuditAggregate `json:"verdict"`
}

// ClaimRecord is the per-claim export row written alongside a bundle for
// downstream review systems. Every record carries a back-reference to its
// originating signature.
type ClaimRecord struct {
	BundleID    string    `json:"bundle_id"`
	SignatureID string    `json:"signature_id"`
	SourceID    string    `json:"source_id"`
	Signature   Signature `json:"signature"`
	ExportedAt  time.Time `json:"exported_at"`
}

// Cluster is a compaction-time grouping of near-duplicate signatures.
// Members beyond the representative are flagged redundant, never deleted,
// so provenance survives compaction.
type Cluster struct {
	Drawer         Drawer   `json:"drawer"`
	Topic          string   `json:"topic"`
	Representative string   `json:"representative"` // Signature id of the first-seen member
	Members        []string `json:"members"`        // All member signature ids, representative first
	Redundant      []string `json:"redundant"`      // Member ids flagged REDUNDANT
}

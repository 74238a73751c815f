package oracle

import (
	"fmt"
	"strings"

	"github.com/sievelab/refinery/internal/model"
)

// The extraction oracle is a forensic extractor: it reproduces explicit
// conditional logic with provenance and never interprets. The avoidance
// section is rebuilt per call from the negative-context window so the
// prompt stays bounded regardless of run length.
const extractionSystemTemplate = `You are a FORENSIC EXTRACTOR of conditional trading logic.

YOUR ONLY JOB: extract explicit if-then statements from the provided segment.

RULES:
- Extract ONLY explicit if-then logic. No interpretation, no inference.
- Every entry MUST carry the segment's source reference and a verbatim quote (max 30 words).
- Skip vague, motivational, or promotional content.
- Classify each entry into exactly one drawer:
  1 HTF_BIAS, 2 MARKET_STRUCTURE, 3 PREMIUM_DISCOUNT, 4 ENTRY_MODEL, 5 CONFIRMATION.

OUTPUT FORMAT (strict JSON array, nothing else):
[{"if": "...", "then": "...", "source_ref": "...", "source_quote": "...", "drawer": 4}]

If the segment contains no if-then logic, return: []

AVOID PATTERNS SIMILAR TO THESE PREVIOUSLY REJECTED CLAIMS:
%s

Extract facts. Not meaning. Not motivation.`

func buildExtractionSystemPrompt(negativeContext []string) string {
	avoid := "None yet."
	if len(negativeContext) > 0 {
		avoid = strings.Join(negativeContext, "\n")
	}
	return fmt.Sprintf(extractionSystemTemplate, avoid)
}

func buildExtractionUserPrompt(chunk model.Chunk) string {
	return fmt.Sprintf(
		"SEGMENT [%s] (chunk %s of source %s):\n\n%s\n\nExtract all if-then logic from this segment. Return the JSON array only.",
		chunk.SourceRef, chunk.ChunkID, chunk.SourceID, chunk.Text,
	)
}

// The audit oracle is a bounty hunter: its job is to find a flaw. A probe
// that never falsifies anything has failed its purpose, so the prompt
// rewards finding contradictions with the existing canon.
const auditSystemPrompt = `You are an ADVERSARIAL AUDITOR. Your only job is to falsify the claim below.

Attempt to find:
- a contradiction with the existing canon excerpt (if provided),
- a restatement of an already-known claim presented as new.

You are rewarded for finding flaws. Do not validate; only report whether you
found a falsification.

OUTPUT FORMAT (strict JSON object, nothing else):
{"falsified": true|false, "reason": "...", "citation": "..."}

If you found no flaw, return {"falsified": false, "reason": "", "citation": ""}.`

func buildProbeUserPrompt(sig model.Signature, canon string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CLAIM %s:\nIF %s\nTHEN %s\nSOURCE: %s\n", sig.ID, sig.Condition, sig.Action, sig.SourceRef)
	if canon != "" {
		fmt.Fprintf(&b, "\nEXISTING CANON EXCERPT:\n%s\n", canon)
	}
	b.WriteString("\nAttempt falsification. Return the JSON object only.")
	return b.String()
}

// Package negative feeds rejection outcomes back into extraction prompts.
// Each rejection becomes a compact avoidance hint; only the most recent
// window is ever injected, so prompts stay bounded over long runs.
package negative

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sievelab/refinery/internal/model"
)

// DefaultWindow is the number of recent negative beads injected into
// extraction prompts.
const DefaultWindow = 10

// maxReasonLen bounds one hint line; reasons are summaries, not transcripts.
const maxReasonLen = 160

// Sink receives beads produced by the loop.
type Sink interface {
	Append(b model.Bead) (model.Bead, error)
}

// nowFunc is replaceable in tests.
var nowFunc = time.Now

// Loop accumulates negative beads. Safe for concurrent use.
type Loop struct {
	sink   Sink
	logger *slog.Logger
	window int

	mu    sync.Mutex
	seq   int
	beads []model.NegativeBead // Oldest first
}

// NewLoop creates a negative feedback loop with the given window size.
func NewLoop(sink Sink, window int, logger *slog.Logger) *Loop {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{sink: sink, window: window, logger: logger}
}

// Restore replays previously persisted NEGATIVE beads so avoidance context
// survives restarts. Call before the first extraction.
func (l *Loop) Restore(beads []model.Bead) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range beads {
		if b.Type != model.BeadNegative {
			continue
		}
		nb := model.NegativeBead{
			ID:         stringPayload(b, "negative_id"),
			Reason:     stringPayload(b, "reason"),
			RejectedBy: model.Rejector(stringPayload(b, "rejected_by")),
			Timestamp:  b.Timestamp,
		}
		if nb.ID == "" || nb.Reason == "" {
			continue
		}
		switch d := b.Payload["drawer_num"].(type) {
		case float64: // JSON round-trip decodes numbers as float64
			nb.Drawer = model.Drawer(int(d))
		case int:
			nb.Drawer = model.Drawer(d)
		}
		nb.SourceClaimID = stringPayload(b, "source_claim_id")
		l.beads = append(l.beads, nb)
		if n := numericSuffix(nb.ID); n > l.seq {
			l.seq = n
		}
	}
}

// OnRejection records an auditor rejection.
func (l *Loop) OnRejection(sig model.Signature, verdict model.AuditVerdict) model.NegativeBead {
	reason := verdict.Reason
	if reason == "" {
		reason = "rejected without stated reason"
	}
	return l.add(reason, sig.ID, sig.Drawer, model.RejectedByAuditor)
}

// HumanReject records an operator rejection of an already-bundled claim.
func (l *Loop) HumanReject(claimID string, drawer model.Drawer, reason string) model.NegativeBead {
	return l.add(reason, claimID, drawer, model.RejectedByHuman)
}

func (l *Loop) add(reason, sourceID string, drawer model.Drawer, by model.Rejector) model.NegativeBead {
	reason = compactReason(reason)

	l.mu.Lock()
	l.seq++
	nb := model.NegativeBead{
		ID:            fmt.Sprintf("N-%03d", l.seq),
		Reason:        reason,
		SourceClaimID: sourceID,
		Drawer:        drawer,
		RejectedBy:    by,
		Timestamp:     nowFunc(),
	}
	l.beads = append(l.beads, nb)
	l.mu.Unlock()

	if l.sink != nil {
		_, err := l.sink.Append(model.Bead{
			Type:    model.BeadNegative,
			Source:  sourceID,
			Content: fmt.Sprintf("%s: %s", nb.ID, reason),
			Payload: map[string]any{
				"negative_id":     nb.ID,
				"reason":          reason,
				"source_claim_id": sourceID,
				"drawer_num":      int(drawer),
				"rejected_by":     string(by),
			},
		})
		if err != nil {
			l.logger.Error("negative bead append failed", "id", nb.ID, "error", err)
		}
	}
	return nb
}

// Recent returns up to n negative beads, most recent first.
func (l *Loop) Recent(n int) []model.NegativeBead {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.beads) {
		n = len(l.beads)
	}
	out := make([]model.NegativeBead, 0, n)
	for i := len(l.beads) - 1; i >= len(l.beads)-n; i-- {
		out = append(out, l.beads[i])
	}
	return out
}

// FormatContext renders the avoidance window as prompt lines, most recent
// first, capped at the configured window.
func (l *Loop) FormatContext() []string {
	recent := l.Recent(l.window)
	lines := make([]string, 0, len(recent))
	for _, nb := range recent {
		lines = append(lines, fmt.Sprintf("- %s: %s", nb.ID, nb.Reason))
	}
	return lines
}

// Len reports how many negative beads have accumulated in memory.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.beads)
}

func compactReason(reason string) string {
	reason = strings.Join(strings.Fields(reason), " ")
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen-3] + "..."
	}
	return reason
}

func stringPayload(b model.Bead, key string) string {
	s, _ := b.Payload[key].(string)
	return s
}

func numericSuffix(id string) int {
	var n int
	if _, err := fmt.Sscanf(id, "N-%d", &n); err != nil {
		return 0
	}
	return n
}

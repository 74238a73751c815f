package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/oracle"
)

type memorySink struct {
	mu    sync.Mutex
	beads []model.Bead
}

func (m *memorySink) Append(b model.Bead) (model.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = fmt.Sprintf("B-%03d", len(m.beads))
	m.beads = append(m.beads, b)
	return b, nil
}

func (m *memorySink) byType(t model.BeadType) []model.Bead {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Bead
	for _, b := range m.beads {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out
}

type probeOracle struct {
	verdict *oracle.ProbeResult
	err     error
	calls   int
	lastReq oracle.ProbeRequest
}

func (p *probeOracle) Name() string   { return "google" }
func (p *probeOracle) Family() string { return "google" }
func (p *probeOracle) Extract(context.Context, oracle.ExtractRequest) (*oracle.ExtractResult, error) {
	return nil, fmt.Errorf("not implemented")
}
func (p *probeOracle) Probe(_ context.Context, req oracle.ProbeRequest) (*oracle.ProbeResult, error) {
	p.calls++
	p.lastReq = req
	return p.verdict, p.err
}
func (p *probeOracle) Summarize(context.Context, oracle.SummarizeRequest) (*oracle.SummarizeResult, error) {
	return nil, fmt.Errorf("not implemented")
}

type staticCanon struct{ text string }

func (c staticCanon) Excerpt() string { return c.text }

func goodSignature() model.Signature {
	return model.Signature{
		ID:            "S-001",
		Condition:     "liquidity is swept below the old low",
		Action:        "wait for displacement before entering",
		SourceRef:     "ep3 12:40",
		VerbatimQuote: "after the sweep you wait for displacement",
		Drawer:        model.DrawerEntryModel,
		Status:        model.StatusExtracted,
	}
}

func newTestStage(p oracle.Provider, sink Sink, canon CanonSource) *Stage {
	st := NewStage(p, sink, nil, canon, nil)
	st.sleepFunc = func(time.Duration) {}
	return st
}

func TestAudit_ValidatesCleanSignature(t *testing.T) {
	sink := &memorySink{}
	st := newTestStage(nil, sink, nil)

	sig := goodSignature()
	verdict := st.Audit(context.Background(), &sig)

	if !verdict.Validated {
		t.Fatalf("clean signature rejected: %+v", verdict)
	}
	if sig.Status != model.StatusValidated {
		t.Errorf("status = %s, want VALIDATED", sig.Status)
	}
	if verdict.Attempts != 6 {
		t.Errorf("attempts = %d, want 6 local checks", verdict.Attempts)
	}
	if len(verdict.SkippedChecks) != 1 || verdict.SkippedChecks[0] != "canon_probe" {
		t.Errorf("probe without oracle must be skipped, got %v", verdict.SkippedChecks)
	}
	beads := sink.byType(model.BeadAuditVerdict)
	if len(beads) != 1 {
		t.Fatalf("expected 1 AUDIT_VERDICT bead, got %d", len(beads))
	}
}

func TestAudit_RejectsAbsolutes(t *testing.T) {
	st := newTestStage(nil, &memorySink{}, nil)

	sig := goodSignature()
	sig.Action = "this entry always wins, guaranteed"
	verdict := st.Audit(context.Background(), &sig)

	if verdict.Validated {
		t.Fatal("absolute claim should be rejected")
	}
	if verdict.FailedCheck != "absolutes" {
		t.Errorf("failed check = %s, want absolutes", verdict.FailedCheck)
	}
	if sig.Status != model.StatusRejected || sig.RejectionReason == "" {
		t.Errorf("rejection not recorded on signature: %+v", sig)
	}
}

func TestAudit_RejectsHedges(t *testing.T) {
	st := newTestStage(nil, &memorySink{}, nil)

	sig := goodSignature()
	sig.Action = "maybe take the entry if it feels right"
	verdict := st.Audit(context.Background(), &sig)

	if verdict.Validated || verdict.FailedCheck != "hedges" {
		t.Errorf("expected hedge rejection, got %+v", verdict)
	}
}

func TestAudit_RejectsContradictoryAction(t *testing.T) {
	st := newTestStage(nil, &memorySink{}, nil)

	cases := []struct {
		action string
		reject bool
	}{
		{"buy immediately and sell immediately at the same price", true},
		{"go long and short the same leg", true},
		{"buy the discount or sell the premium depending on bias", false},
		{"buy the retrace into the gap", false},
	}
	for _, tc := range cases {
		sig := goodSignature()
		sig.Action = tc.action
		verdict := st.Audit(context.Background(), &sig)
		if tc.reject && (verdict.Validated || verdict.FailedCheck != "consistency") {
			t.Errorf("action %q: want consistency rejection, got %+v", tc.action, verdict)
		}
		if !tc.reject && !verdict.Validated {
			t.Errorf("action %q: branched alternative rejected: %+v", tc.action, verdict)
		}
	}
}

func TestAudit_RejectsTautology(t *testing.T) {
	st := newTestStage(nil, &memorySink{}, nil)

	sig := goodSignature()
	sig.Condition = "price sweeps the liquidity below the low"
	sig.Action = "price sweeps the liquidity below the low"
	verdict := st.Audit(context.Background(), &sig)

	if verdict.Validated || verdict.FailedCheck != "tautology" {
		t.Errorf("expected tautology rejection, got %+v", verdict)
	}
}

func TestAudit_RejectsMissingProvenance(t *testing.T) {
	st := newTestStage(nil, &memorySink{}, nil)

	sig := goodSignature()
	sig.VerbatimQuote = ""
	verdict := st.Audit(context.Background(), &sig)

	if verdict.Validated || verdict.FailedCheck != "provenance" {
		t.Errorf("expected provenance rejection, got %+v", verdict)
	}
}

func TestAudit_CitesFirstFailureButAttemptsAll(t *testing.T) {
	st := newTestStage(nil, &memorySink{}, nil)

	// Fails both provenance and absolutes; the verdict cites provenance.
	sig := goodSignature()
	sig.VerbatimQuote = ""
	sig.Action = "always wins"
	verdict := st.Audit(context.Background(), &sig)

	if verdict.FailedCheck != "provenance" {
		t.Errorf("first failure should be cited, got %s", verdict.FailedCheck)
	}
	if verdict.Attempts != 6 {
		t.Errorf("all checks must still be attempted, got %d", verdict.Attempts)
	}
}

func TestAudit_ProbeFalsifies(t *testing.T) {
	o := &probeOracle{verdict: &oracle.ProbeResult{
		Falsified: true,
		Reason:    "restates S-004 with different wording",
		Citation:  "S-004",
		Model:     "google/gemini-2.0-flash-exp",
		Usage:     oracle.Usage{PromptTokens: 200, CompletionTokens: 20, CostUSD: 0.00003},
	}}
	sink := &memorySink{}
	st := newTestStage(o, sink, staticCanon{text: "S-004: IF sweep THEN wait"})

	sig := goodSignature()
	verdict := st.Audit(context.Background(), &sig)

	if verdict.Validated {
		t.Fatal("probe falsification should reject the signature")
	}
	if verdict.FailedCheck != "canon_probe" || verdict.Citation != "S-004" {
		t.Errorf("unexpected verdict: %+v", verdict)
	}
	if !strings.Contains(o.lastReq.Canon, "S-004") {
		t.Error("canon excerpt not forwarded to the probe")
	}
	if got := len(sink.byType(model.BeadCost)); got != 1 {
		t.Errorf("expected 1 COST bead for the probe, got %d", got)
	}
}

func TestAudit_ProbeFailureIsSkippedNotPassed(t *testing.T) {
	o := &probeOracle{err: fmt.Errorf("connection refused")}
	st := newTestStage(o, &memorySink{}, nil)

	sig := goodSignature()
	verdict := st.Audit(context.Background(), &sig)

	if !verdict.Validated {
		t.Fatal("local checks passed; probe failure alone must not reject")
	}
	found := false
	for _, sk := range verdict.SkippedChecks {
		if sk == "canon_probe" {
			found = true
		}
	}
	if !found {
		t.Errorf("probe failure must record the check as skipped, got %v", verdict.SkippedChecks)
	}
}

func TestAudit_ProbeRetriesOnRateLimit(t *testing.T) {
	o := &probeOracle{err: fmt.Errorf("throttled: %w", oracle.ErrRateLimited)}
	st := newTestStage(o, &memorySink{}, nil)

	sig := goodSignature()
	st.Audit(context.Background(), &sig)

	if o.calls != st.maxRetries+1 {
		t.Errorf("expected %d probe attempts, got %d", st.maxRetries+1, o.calls)
	}
}

func TestAudit_DriftTracking(t *testing.T) {
	st := newTestStage(nil, &memorySink{}, nil)

	for i := 0; i < driftWindow; i++ {
		sig := goodSignature()
		sig.ID = fmt.Sprintf("S-%03d", i+1)
		st.Audit(context.Background(), &sig)
	}

	if rate := st.RejectionRate(); rate != 0 {
		t.Errorf("all-validated window should have rate 0, got %f", rate)
	}
	if !st.warnedLax {
		t.Error("full window below floor should set the lax warning")
	}

	// A rejection lifts the rate above the floor and clears the warning.
	sig := goodSignature()
	sig.Action = "always wins"
	st.Audit(context.Background(), &sig)
	if st.warnedLax {
		t.Error("rejection should clear the lax warning")
	}
}

// Package audit adversarially reviews extracted signatures. Deterministic
// checks run locally; consistency with the existing canon is probed through
// a second oracle from a different model family than extraction.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/oracle"
)

const (
	// driftWindow and driftFloor drive the leniency warning: an auditor
	// that rejects almost nothing over a full window has stopped hunting.
	driftWindow = 20
	driftFloor  = 0.05

	probeCheckName = "canon_probe"
)

// Sink receives beads produced by the stage.
type Sink interface {
	Append(b model.Bead) (model.Bead, error)
}

// Waiter gates oracle calls; satisfied by worker.Limiter.
type Waiter interface {
	Wait(ctx context.Context, provider string) error
}

// CanonSource supplies the current rolling-index excerpt for the probe.
type CanonSource interface {
	Excerpt() string
}

// Stage audits signatures one at a time. Safe for concurrent use.
type Stage struct {
	provider   oracle.Provider // nil disables the probe; it is then skipped, never passed
	sink       Sink
	limiter    Waiter
	canon      CanonSource
	logger     *slog.Logger
	maxRetries int
	sleepFunc  func(time.Duration)

	mu        sync.Mutex
	recent    []bool // rolling verdict window, true = rejected
	warnedLax bool
}

// NewStage creates an audit stage.
func NewStage(provider oracle.Provider, sink Sink, limiter Waiter, canon CanonSource, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		provider:   provider,
		sink:       sink,
		limiter:    limiter,
		canon:      canon,
		logger:     logger,
		maxRetries: 3,
		sleepFunc:  time.Sleep,
	}
}

// Audit runs every falsification check against one signature and returns
// the verdict. The signature's status and rejection reason are updated in
// place, and an AUDIT_VERDICT bead is appended.
func (s *Stage) Audit(ctx context.Context, sig *model.Signature) model.AuditVerdict {
	verdict := model.AuditVerdict{SignatureID: sig.ID, Validated: true}

	// All checks are attempted even after a failure; the verdict cites
	// the first failure found.
	for _, c := range localChecks() {
		verdict.Attempts++
		reason, citation, ok := c.run(*sig)
		if ok || !verdict.Validated {
			continue
		}
		verdict.Validated = false
		verdict.Reason = reason
		verdict.Citation = citation
		verdict.FailedCheck = c.name
	}

	s.probe(ctx, *sig, &verdict)

	if verdict.Validated {
		verdict.Reason = "no falsification found"
		sig.Status = model.StatusValidated
	} else {
		sig.Status = model.StatusRejected
		sig.RejectionReason = verdict.Reason
	}

	s.emitVerdict(*sig, verdict)
	s.trackDrift(verdict)
	return verdict
}

// probe asks the audit oracle to falsify the signature against the canon.
// An unavailable or failing oracle records the check as skipped; skipped is
// visible in the verdict and is never reported as a pass.
func (s *Stage) probe(ctx context.Context, sig model.Signature, verdict *model.AuditVerdict) {
	if s.provider == nil {
		verdict.SkippedChecks = append(verdict.SkippedChecks, probeCheckName)
		return
	}

	var canonText string
	if s.canon != nil {
		canonText = s.canon.Excerpt()
	}

	verdict.Attempts++
	res, err := s.probeWithRetry(ctx, oracle.ProbeRequest{Signature: sig, Canon: canonText})
	if err != nil {
		verdict.SkippedChecks = append(verdict.SkippedChecks, probeCheckName)
		s.logger.Warn("canon probe skipped", "signature", sig.ID, "error", err)
		return
	}

	s.emitCost(sig, res.Model, res.Usage)

	if res.Falsified && verdict.Validated {
		verdict.Validated = false
		verdict.Reason = res.Reason
		verdict.Citation = res.Citation
		verdict.FailedCheck = probeCheckName
	}
}

func (s *Stage) probeWithRetry(ctx context.Context, req oracle.ProbeRequest) (*oracle.ProbeResult, error) {
	backoff := 2 * time.Second
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.sleepFunc(backoff)
			backoff *= 2
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, s.provider.Name()); err != nil {
				return nil, err
			}
		}
		res, err := s.provider.Probe(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, oracle.ErrRateLimited) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (s *Stage) emitVerdict(sig model.Signature, verdict model.AuditVerdict) {
	content := fmt.Sprintf("%s validated after %d falsification attempts", sig.ID, verdict.Attempts)
	if !verdict.Validated {
		content = fmt.Sprintf("%s rejected by %s: %s", sig.ID, verdict.FailedCheck, verdict.Reason)
	}
	payload := map[string]any{
		"signature_id": sig.ID,
		"source_id":    sig.SourceID,
		"validated":    verdict.Validated,
		"attempts":     verdict.Attempts,
	}
	if !verdict.Validated {
		payload["failed_check"] = verdict.FailedCheck
		payload["reason"] = verdict.Reason
		payload["citation"] = verdict.Citation
	}
	if len(verdict.SkippedChecks) > 0 {
		payload["skipped_checks"] = verdict.SkippedChecks
	}
	s.emit(model.Bead{
		Type:    model.BeadAuditVerdict,
		Source:  sig.ID,
		Content: content,
		Payload: payload,
	})
}

func (s *Stage) emitCost(sig model.Signature, modelName string, usage oracle.Usage) {
	s.emit(model.Bead{
		Type:    model.BeadCost,
		Source:  sig.ID,
		Content: fmt.Sprintf("audit probe for %s", sig.ID),
		Payload: map[string]any{
			"model":             modelName,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"cost_usd":          usage.CostUSD,
			"stage":             "audit",
		},
	})
}

func (s *Stage) emit(b model.Bead) {
	if s.sink == nil {
		return
	}
	if _, err := s.sink.Append(b); err != nil {
		s.logger.Error("bead append failed", "type", b.Type, "error", err)
	}
}

// trackDrift watches the rolling rejection rate. A full window below the
// floor means the adversarial stance has drifted lax.
func (s *Stage) trackDrift(verdict model.AuditVerdict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, !verdict.Validated)
	if len(s.recent) > driftWindow {
		s.recent = s.recent[len(s.recent)-driftWindow:]
	}
	if len(s.recent) < driftWindow {
		return
	}

	rejected := 0
	for _, r := range s.recent {
		if r {
			rejected++
		}
	}
	rate := float64(rejected) / float64(len(s.recent))
	if rate < driftFloor {
		if !s.warnedLax {
			s.warnedLax = true
			s.logger.Warn("audit rejection rate below floor, auditor may have drifted lax",
				"rate", rate, "window", driftWindow)
		}
	} else {
		s.warnedLax = false
	}
}

// RejectionRate reports the rolling rejection rate; zero until the window
// has filled.
func (s *Stage) RejectionRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) < driftWindow {
		return 0
	}
	rejected := 0
	for _, r := range s.recent {
		if r {
			rejected++
		}
	}
	return float64(rejected) / float64(len(s.recent))
}

// Package extract turns guarded chunks into signature candidates via the
// extraction oracle, validates their shape and provenance, and records the
// outcome on the bead chain.
package extract

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

// Sink receives beads produced by the stage.
type Sink interface {
	Append(b model.Bead) (model.Bead, error)
}

// Waiter gates oracle calls; satisfied by worker.Limiter.
type Waiter interface {
	Wait(ctx context.Context, provider string) error
}

// NegativeSource provides recent avoidance hints for prompt assembly.
type NegativeSource interface {
	FormatContext() []string
}

// Stage runs extraction over chunks. Safe for concurrent use; signature
// IDs stay monotonic per source across goroutines.
type Stage struct {
	provider   oracle.Provider
	sink       Sink
	limiter    Waiter
	negatives  NegativeSource
	logger     *slog.Logger
	maxRetries int

	// sleepFunc is replaceable in tests
	sleepFunc func(time.Duration)

	mu  sync.Mutex
	seq map[string]int // per-source signature counter
}

// NewStage creates an extraction stage.
func NewStage(provider oracle.Provider, sink Sink, limiter Waiter, negatives NegativeSource, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		provider:   provider,
		sink:       sink,
		limiter:    limiter,
		negatives:  negatives,
		logger:     logger,
		maxRetries: 3,
		sleepFunc:  time.Sleep,
		seq:        make(map[string]int),
	}
}

// Restore replays prior EXTRACTION beads so signature IDs stay monotonic
// per source across restarts.
func (s *Stage) Restore(beads []model.Bead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range beads {
		if b.Type != model.BeadExtraction {
			continue
		}
		sourceID, _ := b.Payload["source_id"].(string)
		sigID, _ := b.Payload["signature_id"].(string)
		if sourceID == "" || sigID == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(sigID, "S-%d", &n); err != nil {
			continue
		}
		if n > s.seq[sourceID] {
			s.seq[sourceID] = n
		}
	}
}

// Run extracts signatures from one chunk. Malformed oracle output drops the
// chunk with a MALFORMED_EXTRACTION bead and a nil error; infrastructure
// failures (cancelled context, exhausted retries) return an error.
func (s *Stage) Run(ctx context.Context, chunk model.Chunk) ([]model.Signature, error) {
	req := oracle.ExtractRequest{Chunk: chunk}
	if s.negatives != nil {
		req.NegativeContext = s.negatives.FormatContext()
	}

	res, err := s.callWithRetry(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, oracle.ErrMalformedOutput) {
			return nil, err
		}
		// Unparseable oracle output poisons only this chunk.
		s.emit(model.Bead{
			Type:    model.BeadMalformed,
			Source:  chunk.ChunkID,
			Content: fmt.Sprintf("extraction dropped chunk %s: %v", chunk.ChunkID, err),
			Payload: map[string]any{"source_id": chunk.SourceID, "error": err.Error()},
		})
		s.logger.Warn("extraction output malformed, chunk dropped",
			"chunk", chunk.ChunkID, "error", err)
		return nil, nil
	}

	s.recordCost(chunk, res.Model, res.Usage)

	sigs := s.admit(chunk, res.Candidates)
	for _, sig := range sigs {
		s.emit(model.Bead{
			Type:    model.BeadExtraction,
			Source:  chunk.ChunkID,
			Content: fmt.Sprintf("%s: IF %s THEN %s", sig.ID, sig.Condition, sig.Action),
			// The payload carries the full signature so audited state can
			// be rebuilt from the bead chain after a crash.
			Payload: map[string]any{
				"signature_id":   sig.ID,
				"source_id":      chunk.SourceID,
				"source_ref":     sig.SourceRef,
				"condition":      sig.Condition,
				"action":         sig.Action,
				"verbatim_quote": sig.VerbatimQuote,
				"drawer":         sig.Drawer.String(),
				"drawer_num":     int(sig.Drawer),
			},
		})
	}
	s.logger.Info("chunk extracted",
		"chunk", chunk.ChunkID, "candidates", len(res.Candidates), "admitted", len(sigs))
	return sigs, nil
}

// callWithRetry applies bounded retry with doubling backoff on throttling.
func (s *Stage) callWithRetry(ctx context.Context, req oracle.ExtractRequest) (*oracle.ExtractResult, error) {
	backoff := 2 * time.Second
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("extraction throttled, backing off",
				"attempt", attempt, "backoff", backoff)
			s.sleepFunc(backoff)
			backoff *= 2
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, s.provider.Name()); err != nil {
				return nil, err
			}
		}
		res, err := s.provider.Extract(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRateLimited(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// admit filters candidates into signatures: shape and provenance checks,
// drawer range, and exact logic dedup within this one batch. Cross-chunk
// near-duplicates are expected from overlapping windows and are resolved
// later by the compactor's similarity pass, not dropped here.
func (s *Stage) admit(chunk model.Chunk, candidates []oracle.Candidate) []model.Signature {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)

	var out []model.Signature
	for _, c := range candidates {
		sig := model.Signature{
			SourceID:      chunk.SourceID,
			Condition:     c.Condition,
			Action:        c.Action,
			SourceRef:     c.SourceRef,
			VerbatimQuote: c.VerbatimQuote,
			Drawer:        model.Drawer(c.Drawer),
			Status:        model.StatusExtracted,
		}
		if err := sig.Validate(); err != nil {
			s.dropCandidate(chunk, err.Error())
			continue
		}
		if !sig.Drawer.Valid() {
			s.dropCandidate(chunk, fmt.Sprintf("drawer out of range: %d", c.Drawer))
			continue
		}
		key := sig.LogicKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		s.seq[chunk.SourceID]++
		sig.ID = fmt.Sprintf("S-%03d", s.seq[chunk.SourceID])
		out = append(out, sig)
	}
	return out
}

func (s *Stage) recordCost(chunk model.Chunk, modelName string, usage oracle.Usage) {
	s.emit(model.Bead{
		Type:    model.BeadCost,
		Source:  chunk.ChunkID,
		Content: fmt.Sprintf("extraction call for %s", chunk.ChunkID),
		Payload: map[string]any{
			"model":             modelName,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"cost_usd":          usage.CostUSD,
			"stage":             "extraction",
		},
	})
}

// dropCandidate records a single rejected candidate. The rest of the batch
// is unaffected.
func (s *Stage) dropCandidate(chunk model.Chunk, reason string) {
	s.emit(model.Bead{
		Type:    model.BeadMalformed,
		Source:  chunk.ChunkID,
		Content: fmt.Sprintf("candidate dropped in chunk %s: %s", chunk.ChunkID, reason),
		Payload: map[string]any{"source_id": chunk.SourceID, "reason": reason},
	})
	s.logger.Warn("candidate dropped", "chunk", chunk.ChunkID, "reason", reason)
}

func (s *Stage) emit(b model.Bead) {
	if s.sink == nil {
		return
	}
	if _, err := s.sink.Append(b); err != nil {
		s.logger.Error("bead append failed", "type", b.Type, "error", err)
	}
}

func isRateLimited(err error) bool {
	return errors.Is(err, oracle.ErrRateLimited)
}

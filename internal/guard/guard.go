// Package guard implements the layered injection filter that inspects every
// inbound chunk before it reaches the extraction stage or any external call.
package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sievelab/refinery/internal/cache"
	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/similarity"
)

// ErrInjection is the sentinel wrapped by every injection halt.
var ErrInjection = errors.New("injection detected")

// InjectionError reports a halted chunk.
type InjectionError struct {
	ChunkID string
	Reason  string
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("injection detected in chunk %s: %s", e.ChunkID, e.Reason)
}

func (e *InjectionError) Unwrap() error { return ErrInjection }

// SemanticMatch records one exemplar the chunk resembled.
type SemanticMatch struct {
	Exemplar   string  `json:"exemplar"`
	Similarity float64 `json:"similarity"`
}

// Result is the outcome of scanning one chunk.
type Result struct {
	Clean           bool            `json:"clean"`
	Halted          bool            `json:"halted"`
	Normalized      string          `json:"normalized,omitempty"` // Layer-1 output forwarded to extraction

	Reason          string          `json:"reason,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	PatternMatches  []string        `json:"pattern_matches,omitempty"`
	SemanticMatches []SemanticMatch `json:"semantic_matches,omitempty"`
}

// Sink receives the beads the guard emits on halts and soft flags.
type Sink interface {
	Append(model.Bead) (model.Bead, error)
}

// Guard runs four ordered layers over inbound text: normalize, pattern
// match, semantic match, action. Any layer can short-circuit to HALT.
type Guard struct {
	patterns      []Pattern
	exemplars     []string
	flagThreshold float64
	haltThreshold float64
	logOnly       bool
	verdicts      cache.Cache // Content-hash idempotence: one scan per distinct chunk text
	sink          Sink
	log           *slog.Logger
}

// New builds a guard from configuration. Extra patterns from
// cfg.PatternsFile are merged after the built-in list.
func New(cfg model.GuardConfig, verdicts cache.Cache, sink Sink) (*Guard, error) {
	patterns := append([]Pattern(nil), builtinPatterns...)
	if cfg.PatternsFile != "" {
		extra, err := loadPatternFile(cfg.PatternsFile)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, extra...)
	}

	flag := cfg.SemanticThreshold
	if flag == 0 {
		flag = 0.85
	}
	halt := cfg.HaltThreshold
	if halt == 0 {
		halt = 0.92
	}

	return &Guard{
		patterns:      patterns,
		exemplars:     semanticExemplars,
		flagThreshold: flag,
		haltThreshold: halt,
		logOnly:       cfg.LogOnly,
		verdicts:      verdicts,
		sink:          sink,
		log:           slog.With("component", "guard"),
	}, nil
}

// Scan runs all layers over one chunk. On a halt it returns an
// *InjectionError; the chunk must not be forwarded downstream. Scanning the
// same chunk text twice returns the cached verdict without emitting beads
// again.
func (g *Guard) Scan(chunk model.Chunk) (Result, error) {
	key := cache.ContentKey(chunk.Text)
	if g.verdicts != nil {
		if raw, found := g.verdicts.Get(key); found {
			var cached Result
			if err := json.Unmarshal(raw, &cached); err == nil {
				if cached.Halted {
					return cached, &InjectionError{ChunkID: chunk.ChunkID, Reason: cached.Reason}
				}
				return cached, nil
			}
		}
	}

	res := g.scan(chunk)

	if g.verdicts != nil {
		if raw, err := json.Marshal(res); err == nil {
			_ = g.verdicts.Set(key, raw, 0)
		}
	}
	if res.Halted {
		return res, &InjectionError{ChunkID: chunk.ChunkID, Reason: res.Reason}
	}
	return res, nil
}

func (g *Guard) scan(chunk model.Chunk) Result {
	res := Result{Clean: true}

	// Layer 2 runs on the raw text first: markup-borne patterns like
	// <script must be caught before layer 1 strips them away.
	rawMatches := matchPatterns(g.patterns, chunk.Text)

	// Layer 1: normalize.
	cleaned, warnings := normalize(chunk.Text)
	res.Normalized = cleaned
	res.Warnings = warnings

	// Layer 2 again on the normalized text (catches decoded base64 and
	// homoglyph-folded content).
	res.PatternMatches = mergeIDs(rawMatches, matchPatterns(g.patterns, cleaned))

	// Layer 3: semantic match against the exemplar corpus.
	var anyHard bool
	for _, ex := range g.exemplars {
		sim := similarity.Score(cleaned, ex)
		if sim < g.flagThreshold {
			continue
		}
		res.SemanticMatches = append(res.SemanticMatches, SemanticMatch{
			Exemplar:   truncate(ex, 80),
			Similarity: sim,
		})
		if !g.logOnly || sim >= g.haltThreshold {
			anyHard = true
		}
	}

	// Layer 4: action.
	halt := len(res.PatternMatches) > 0
	if len(res.SemanticMatches) > 0 {
		if !anyHard && len(res.PatternMatches) == 0 {
			// Soft anomaly band: record, do not halt.
			res.Clean = false
			g.emitFlag(chunk, res)
			return res
		}
		halt = true
	}

	if halt {
		res.Clean = false
		res.Halted = true
		res.Reason = haltReason(res)
		g.emitBreach(chunk, res)
	}
	return res
}

func haltReason(res Result) string {
	var parts []string
	if n := len(res.PatternMatches); n > 0 {
		parts = append(parts, fmt.Sprintf("pattern_match(%d)", n))
	}
	if n := len(res.SemanticMatches); n > 0 {
		parts = append(parts, fmt.Sprintf("semantic_flag(%d)", n))
	}
	return strings.Join(parts, "; ")
}

// emitBreach logs the halt with the raw, unmodified offending text so the
// incident can be audited exactly as it arrived.
func (g *Guard) emitBreach(chunk model.Chunk, res Result) {
	g.log.Warn("injection halted",
		"chunk", chunk.ChunkID,
		"reason", res.Reason,
		"patterns", res.PatternMatches,
	)
	if g.sink == nil {
		return
	}
	_, err := g.sink.Append(model.Bead{
		Type:      model.BeadGuardBreach,
		Source:    "guard",
		Content:   res.Reason,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"source_id": chunk.SourceID,
			"chunk_id":  chunk.ChunkID,
			"raw_text":  chunk.Text,
			"warnings":  strings.Join(res.Warnings, ","),
		},
	})
	if err != nil {
		g.log.Error("failed to record guard breach bead", "err", err)
	}
}

func (g *Guard) emitFlag(chunk model.Chunk, res Result) {
	g.log.Info("soft anomaly flagged", "chunk", chunk.ChunkID, "matches", len(res.SemanticMatches))
	if g.sink == nil {
		return
	}
	_, err := g.sink.Append(model.Bead{
		Type:      model.BeadGuardFlag,
		Source:    "guard",
		Content:   "semantic_soft_flag",
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"source_id": chunk.SourceID,
			"chunk_id":  chunk.ChunkID,
			"raw_text":  chunk.Text,
		},
	})
	if err != nil {
		g.log.Error("failed to record guard flag bead", "err", err)
	}
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range append(a, b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// truncate cuts s to at most n runes, never mid-rune.
func truncate(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}

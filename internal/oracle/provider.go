// Package oracle adapts external LLM providers behind the extraction and
// audit oracle interfaces. The core never interprets content itself; it only
// consumes the structured output these adapters return.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/sievelab/refinery/internal/model"
)

// ErrRateLimited wraps transient provider throttling so callers can apply
// bounded retry with backoff.
var ErrRateLimited = errors.New("provider rate limited")

// ErrMalformedOutput wraps unparseable oracle replies. Callers drop the
// affected chunk instead of failing the run.
var ErrMalformedOutput = errors.New("malformed oracle output")

// Usage tracks token consumption and the derived cost of one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Candidate is one signature candidate as emitted by the extraction oracle,
// before any validation.
type Candidate struct {
	Condition     string `json:"if"`
	Action        string `json:"then"`
	SourceRef     string `json:"source_ref"`
	VerbatimQuote string `json:"source_quote"`
	Drawer        int    `json:"drawer"`
}

// ExtractRequest carries one chunk plus the negative-context window.
type ExtractRequest struct {
	Chunk           model.Chunk
	NegativeContext []string // Avoidance hints, most recent first
}

// ExtractResult is the parsed output of one extraction call.
type ExtractResult struct {
	Candidates []Candidate
	Model      string
	Usage      Usage
}

// ProbeRequest asks the audit oracle to attempt falsification of one
// signature against the existing canon.
type ProbeRequest struct {
	Signature model.Signature
	Canon     string // Current rolling index content; may be empty
}

// ProbeResult is the audit oracle's adversarial verdict.
type ProbeResult struct {
	Falsified bool
	Reason    string
	Citation  string
	Model     string
	Usage     Usage
}

// SummarizeRequest asks for a compact cluster summary during compaction.
type SummarizeRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// SummarizeResult is the raw text of a summarization call.
type SummarizeResult struct {
	Text  string
	Model string
	Usage Usage
}

// Provider is one configured oracle endpoint. Extraction and audit must use
// providers from distinct families; see ValidatePairing.
type Provider interface {
	// Name returns the adapter name ("openai", "anthropic", "ollama", ...)
	Name() string

	// Family returns the underlying model family used for the
	// cross-family invariant.
	Family() string

	// Extract turns a chunk into zero or more signature candidates.
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error)

	// Probe adversarially attempts to falsify a signature.
	Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, error)

	// Summarize produces free text; used by the compactor.
	Summarize(ctx context.Context, req SummarizeRequest) (*SummarizeResult, error)
}

// completer is the minimal call surface each adapter implements; the
// shared request/response shaping lives in base.
type completer interface {
	complete(ctx context.Context, system, user string, maxTokens int, temperature float32) (string, Usage, error)
}

// base implements Provider on top of a completer.
type base struct {
	name   string
	family string
	cfg    model.OracleConfig
	c      completer
}

func (b *base) Name() string   { return b.name }
func (b *base) Family() string { return b.family }

func (b *base) Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	system := buildExtractionSystemPrompt(req.NegativeContext)
	user := buildExtractionUserPrompt(req.Chunk)

	text, usage, err := b.c.complete(ctx, system, user, b.cfg.MaxTokens, float32(b.cfg.Temperature))
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	candidates, err := parseCandidates(text)
	if err != nil {
		return nil, fmt.Errorf("extraction output: %w", err)
	}
	return &ExtractResult{Candidates: candidates, Model: b.cfg.Model, Usage: usage}, nil
}

func (b *base) Probe(ctx context.Context, req ProbeRequest) (*ProbeResult, error) {
	system := auditSystemPrompt
	user := buildProbeUserPrompt(req.Signature, req.Canon)

	text, usage, err := b.c.complete(ctx, system, user, b.cfg.MaxTokens, float32(b.cfg.Temperature))
	if err != nil {
		return nil, fmt.Errorf("audit probe call: %w", err)
	}

	verdict, err := parseProbeVerdict(text)
	if err != nil {
		return nil, fmt.Errorf("audit probe output: %w", err)
	}
	verdict.Model = b.cfg.Model
	verdict.Usage = usage
	return verdict, nil
}

func (b *base) Summarize(ctx context.Context, req SummarizeRequest) (*SummarizeResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.cfg.MaxTokens
	}
	text, usage, err := b.c.complete(ctx, req.System, req.Prompt, maxTokens, float32(b.cfg.Temperature))
	if err != nil {
		return nil, fmt.Errorf("summarize call: %w", err)
	}
	return &SummarizeResult{Text: text, Model: b.cfg.Model, Usage: usage}, nil
}

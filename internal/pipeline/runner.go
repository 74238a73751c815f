// Package pipeline orchestrates a refinery run: queue-driven chunk
// dispatch through guard, extraction, and audit, then bundle assembly and
// compaction. The queue is the single source of truth for remaining work;
// a halted run resumes from it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sievelab/refinery/internal/audit"
	"github.com/sievelab/refinery/internal/beads"
	"github.com/sievelab/refinery/internal/bundle"
	"github.com/sievelab/refinery/internal/chronicler"
	"github.com/sievelab/refinery/internal/extract"
	"github.com/sievelab/refinery/internal/guard"
	"github.com/sievelab/refinery/internal/guards"
	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/negative"
	"github.com/sievelab/refinery/internal/queue"
	"github.com/sievelab/refinery/internal/worker"
)

// ContentSource resolves a source id to its ordered chunk list. The
// pipeline never fetches content itself.
type ContentSource interface {
	Chunks(sourceID string) ([]model.Chunk, error)
}

// Runner drives one pipeline run end to end.
type Runner struct {
	queue       *queue.Store
	store       *beads.Store
	guard       *guard.Guard
	extraction  *extract.Stage
	auditor     *audit.Stage
	negatives   *negative.Loop
	assembler   *bundle.Assembler
	compactor   *chronicler.Chronicler
	manager     *guards.Manager
	source      ContentSource
	logger      *slog.Logger
	concurrency int
	limit       int

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	mu      sync.Mutex
	audited map[string][]model.Signature // Audited signatures per source, this process
}

// Deps bundles the collaborators a Runner needs. All fields are required
// except Compactor.
type Deps struct {
	Queue       *queue.Store
	Store       *beads.Store
	Guard       *guard.Guard
	Extraction  *extract.Stage
	Auditor     *audit.Stage
	Negatives   *negative.Loop
	Assembler   *bundle.Assembler
	Compactor   *chronicler.Chronicler
	Manager     *guards.Manager
	Source      ContentSource
	Concurrency int
	Limit       int // Max chunks to dispatch this run; 0 means no limit
	Logger      *slog.Logger
}

// NewRunner wires a runner from its dependencies.
func NewRunner(d Deps) (*Runner, error) {
	switch {
	case d.Queue == nil, d.Store == nil, d.Guard == nil, d.Extraction == nil,
		d.Auditor == nil, d.Negatives == nil, d.Assembler == nil,
		d.Manager == nil, d.Source == nil:
		return nil, fmt.Errorf("pipeline: missing dependency")
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 1
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Runner{
		queue:       d.Queue,
		store:       d.Store,
		guard:       d.Guard,
		extraction:  d.Extraction,
		auditor:     d.Auditor,
		negatives:   d.Negatives,
		assembler:   d.Assembler,
		compactor:   d.Compactor,
		manager:     d.Manager,
		source:      d.Source,
		logger:      d.Logger,
		concurrency: d.Concurrency,
		limit:       d.Limit,
		audited:     make(map[string][]model.Signature),
	}, nil
}

// Restore replays the bead chain so a resumed run continues signature
// sequences, avoidance context, and audited state. Call once before Run.
func (r *Runner) Restore() error {
	all, err := r.store.ReadAll()
	if err != nil {
		return fmt.Errorf("restore beads: %w", err)
	}
	r.extraction.Restore(all)
	r.negatives.Restore(all)
	r.restoreAudited(all)
	return nil
}

// restoreAudited rebuilds audited signatures from EXTRACTION plus
// AUDIT_VERDICT beads, so bundles can still assemble for sources whose
// chunks finished before a crash.
func (r *Runner) restoreAudited(all []model.Bead) {
	type pending struct {
		sourceID string
		sig      model.Signature
	}
	extracted := make(map[string]pending)
	for _, b := range all {
		switch b.Type {
		case model.BeadExtraction:
			sig := model.Signature{
				ID:            payloadString(b, "signature_id"),
				Condition:     payloadString(b, "condition"),
				Action:        payloadString(b, "action"),
				SourceRef:     payloadString(b, "source_ref"),
				VerbatimQuote: payloadString(b, "verbatim_quote"),
				Status:        model.StatusExtracted,
			}
			switch d := b.Payload["drawer_num"].(type) {
			case float64:
				sig.Drawer = model.Drawer(int(d))
			case int:
				sig.Drawer = model.Drawer(d)
			}
			if sig.ID == "" || sig.Condition == "" {
				continue
			}
			sourceID := payloadString(b, "source_id")
			sig.SourceID = sourceID
			extracted[sourceID+"/"+sig.ID] = pending{sourceID: sourceID, sig: sig}
		case model.BeadAuditVerdict:
			// Signature IDs restart at S-001 per source, so a verdict only
			// matches within its own source.
			key := payloadString(b, "source_id") + "/" + payloadString(b, "signature_id")
			p, ok := extracted[key]
			if !ok {
				continue
			}
			if validated, _ := b.Payload["validated"].(bool); validated {
				p.sig.Status = model.StatusValidated
			} else {
				p.sig.Status = model.StatusRejected
				p.sig.RejectionReason = payloadString(b, "reason")
			}
			switch a := b.Payload["attempts"].(type) {
			case float64:
				p.sig.AuditAttempts = int(a)
			case int:
				p.sig.AuditAttempts = a
			}
			r.audited[p.sourceID] = append(r.audited[p.sourceID], p.sig)
			delete(extracted, key)
		}
	}
}

// Run processes the queue until it drains or a guard breach halts the run.
// A breach returns the BreachError after in-flight chunks settle; the queue
// keeps the remaining work for the next run.
func (r *Runner) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.setCancel(cancel)

	dispatched := 0
	for {
		if err := r.manager.BeginTurn(); err != nil {
			return r.halt(err)
		}
		if err := r.manager.CheckStall(); err != nil {
			return r.halt(err)
		}
		if runCtx.Err() != nil {
			return runCtx.Err()
		}

		pending := r.queue.Pending()
		if len(pending) == 0 {
			break
		}
		if r.limit > 0 {
			remaining := r.limit - dispatched
			if remaining <= 0 {
				r.logger.Info("chunk limit reached", "limit", r.limit)
				break
			}
			if len(pending) > remaining {
				pending = pending[:remaining]
			}
		}
		dispatched += len(pending)

		chunks, err := r.resolve(pending)
		if err != nil {
			return err
		}
		r.logger.Info("dispatching chunks", "count", len(chunks), "workers", r.concurrency)

		dispatcher := worker.NewDispatcher(r, r.concurrency)
		results := dispatcher.Process(runCtx, chunks)
		for _, res := range results {
			if res.Error != nil && !errors.Is(res.Error, guard.ErrInjection) {
				r.logger.Warn("chunk failed",
					"chunk", res.Chunk.ChunkID, "error", res.Error)
			}
		}

		if breach := r.manager.Breached(); breach != nil {
			return r.halt(breach)
		}
	}

	if err := r.finalize(runCtx); err != nil {
		return err
	}
	return nil
}

// Process runs one chunk through guard, extraction, and audit. Implements
// worker.ChunkProcessor; errors fail only this chunk.
func (r *Runner) Process(ctx context.Context, chunk model.Chunk) error {
	if err := r.queue.MarkInProgress(chunk.SourceID, chunk.ChunkID); err != nil {
		return err
	}

	scan, err := r.guard.Scan(chunk)
	if err != nil {
		// The injection halt is recorded in the queue; the breach bead
		// was already emitted by the guard.
		if markErr := r.queue.MarkFailed(chunk.SourceID, chunk.ChunkID, err); markErr != nil {
			return markErr
		}
		return err
	}
	clean := chunk
	clean.Text = scan.Normalized

	sigs, err := r.extraction.Run(ctx, clean)
	if err != nil {
		if markErr := r.queue.MarkFailed(chunk.SourceID, chunk.ChunkID, err); markErr != nil {
			return markErr
		}
		return err
	}

	// Audit sequentially per chunk: each signature's verdict bead lands
	// after its extraction bead, preserving causal order.
	for i := range sigs {
		verdict := r.auditor.Audit(ctx, &sigs[i])
		sigs[i].AuditAttempts = verdict.Attempts
		if !verdict.Validated && verdict.Reason != "" {
			r.negatives.OnRejection(sigs[i], verdict)
		}
		r.addAudited(chunk.SourceID, sigs[i])
	}

	if err := r.queue.MarkDone(chunk.SourceID, chunk.ChunkID); err != nil {
		return err
	}
	r.manager.Progress()
	return nil
}

// finalize assembles bundles for completed sources and compacts memory
// when the thresholds say so.
func (r *Runner) finalize(ctx context.Context) error {
	for _, sourceID := range r.queue.Sources() {
		if !r.queue.SourceComplete(sourceID) {
			continue
		}
		sigs := r.auditedFor(sourceID)
		if len(sigs) == 0 {
			continue
		}
		if _, err := r.assembler.Assemble(sourceID, sigs); err != nil {
			r.logger.Warn("bundle skipped", "source", sourceID, "error", err)
		}
	}

	if r.compactor == nil {
		return nil
	}
	should, err := r.compactor.ShouldCompact()
	if err != nil {
		return err
	}
	if !should {
		return nil
	}
	validated := r.allValidated()
	negs := r.negatives.Recent(negative.DefaultWindow)
	if _, err := r.compactor.Compact(ctx, validated, negs); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	return nil
}

// resolve joins pending queue entries with their chunk text.
func (r *Runner) resolve(pending []model.QueueEntry) ([]model.Chunk, error) {
	bySource := make(map[string]map[string]model.Chunk)
	var out []model.Chunk
	for _, e := range pending {
		chunks, ok := bySource[e.SourceID]
		if !ok {
			list, err := r.source.Chunks(e.SourceID)
			if err != nil {
				return nil, fmt.Errorf("resolve source %s: %w", e.SourceID, err)
			}
			chunks = make(map[string]model.Chunk, len(list))
			for _, c := range list {
				chunks[c.ChunkID] = c
			}
			bySource[e.SourceID] = chunks
		}
		c, ok := chunks[e.ChunkID]
		if !ok {
			return nil, fmt.Errorf("source %s has no chunk %s", e.SourceID, e.ChunkID)
		}
		out = append(out, c)
	}
	return out, nil
}

// halt cancels in-flight work and surfaces the breach. Durable state is
// already consistent: undone chunks simply stay pending in the queue.
func (r *Runner) halt(breach error) error {
	r.cancelMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancelMu.Unlock()
	r.logger.Error("run halted", "reason", breach)
	return breach
}

func (r *Runner) setCancel(cancel context.CancelFunc) {
	r.cancelMu.Lock()
	r.cancel = cancel
	r.cancelMu.Unlock()
}

// ForceCompact runs the compactor immediately, regardless of thresholds.
// Call Restore first so archived state reflects the full bead history.
func (r *Runner) ForceCompact(ctx context.Context) (string, error) {
	if r.compactor == nil {
		return "", fmt.Errorf("no compactor configured")
	}
	validated := r.allValidated()
	negs := r.negatives.Recent(negative.DefaultWindow)
	return r.compactor.Compact(ctx, validated, negs)
}

func (r *Runner) addAudited(sourceID string, sig model.Signature) {
	r.mu.Lock()
	r.audited[sourceID] = append(r.audited[sourceID], sig)
	r.mu.Unlock()
}

func (r *Runner) auditedFor(sourceID string) []model.Signature {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Signature(nil), r.audited[sourceID]...)
}

func (r *Runner) allValidated() []model.Signature {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Signature
	for _, sigs := range r.audited {
		for _, sig := range sigs {
			if sig.Status == model.StatusValidated {
				out = append(out, sig)
			}
		}
	}
	return out
}

func payloadString(b model.Bead, key string) string {
	s, _ := b.Payload[key].(string)
	return s
}

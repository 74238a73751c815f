// Package bundle assembles validated signatures into immutable per-source
// bundles once every chunk of the source has cleared audit. Each bundle is
// persisted as a reviewable markdown document plus a claims JSONL export.
package bundle

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sievelab/refinery/internal/model"
)

// Sink receives beads produced by the assembler.
type Sink interface {
	Append(b model.Bead) (model.Bead, error)
}

// Completion reports whether a source has finished all its chunks;
// satisfied by queue.Store.
type Completion interface {
	SourceComplete(sourceID string) bool
}

// Narrative-bleed phrases. Signatures are operational logic; the presence
// of storytelling language in a final bundle means extraction leaked tone
// instead of structure.
var bleedRe = regexp.MustCompile(`(?i)\b(this is the (story|journey)|trust the process|believe in|life[- ]changing|my journey|the market gods)\b`)

// Assembler builds bundles. Safe for concurrent use; bundle IDs are
// monotonic across goroutines.
type Assembler struct {
	dir        string
	sink       Sink
	completion Completion
	logger     *slog.Logger

	// nowFunc is replaceable in tests
	nowFunc func() time.Time

	mu     sync.Mutex
	lastID string
}

// NewAssembler creates a bundle assembler writing under dir.
func NewAssembler(dir string, sink Sink, completion Completion, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		dir:        dir,
		sink:       sink,
		completion: completion,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Assemble builds the bundle for one source from its audited signatures.
// It refuses while chunks are still outstanding and is idempotent: a source
// already bundled returns the existing bundle without writing anything.
func (a *Assembler) Assemble(sourceID string, signatures []model.Signature) (*model.Bundle, error) {
	if a.completion != nil && !a.completion.SourceComplete(sourceID) {
		return nil, fmt.Errorf("source %s has unfinished chunks, bundle refused", sourceID)
	}

	if existing, err := a.existing(sourceID); err != nil {
		return nil, err
	} else if existing != nil {
		a.logger.Info("bundle already exists", "source", sourceID, "bundle", existing.ID)
		return existing, nil
	}

	var validated []model.Signature
	agg := model.AuditAggregate{}
	for _, sig := range signatures {
		switch sig.Status {
		case model.StatusValidated:
			validated = append(validated, sig)
			agg.Validated++
		case model.StatusRejected:
			agg.Rejected++
		default:
			return nil, fmt.Errorf("signature %s is unaudited (%s), bundle refused", sig.ID, sig.Status)
		}
		agg.FalsificationAttempts += sig.AuditAttempts
	}
	if len(validated) == 0 {
		return nil, fmt.Errorf("source %s has no validated signatures", sourceID)
	}
	sort.Slice(validated, func(i, j int) bool { return validated[i].ID < validated[j].ID })

	if warn := a.narrativeBleed(validated); warn != "" {
		a.logger.Warn("narrative bleed detected in bundle", "source", sourceID, "match", warn)
	}

	b := &model.Bundle{
		ID:         a.nextID(),
		SourceID:   sourceID,
		CreatedAt:  a.nowFunc().UTC(),
		Signatures: validated,
		Verdict:    agg,
	}

	if err := a.persist(b); err != nil {
		return nil, err
	}

	if a.sink != nil {
		_, err := a.sink.Append(model.Bead{
			Type:    model.BeadBundle,
			Source:  sourceID,
			Content: fmt.Sprintf("bundle %s: %d validated, %d rejected", b.ID, agg.Validated, agg.Rejected),
			Payload: map[string]any{
				"bundle_id": b.ID,
				"source_id": sourceID,
				"validated": agg.Validated,
				"rejected":  agg.Rejected,
			},
		})
		if err != nil {
			a.logger.Error("bundle bead append failed", "bundle", b.ID, "error", err)
		}
	}
	a.logger.Info("bundle assembled", "bundle", b.ID, "source", sourceID, "signatures", len(validated))
	return b, nil
}

// nextID derives a sortable bundle id from creation time, bumping the
// timestamp when two bundles land in the same second.
func (a *Assembler) nextID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := "BNDL-" + a.nowFunc().UTC().Format("20060102-150405")
	for id <= a.lastID {
		id = bumpID(id)
	}
	a.lastID = id
	return id
}

func bumpID(id string) string {
	t, err := time.Parse("BNDL-20060102-150405", id)
	if err != nil {
		return id + "0"
	}
	return "BNDL-" + t.Add(time.Second).Format("20060102-150405")
}

func (a *Assembler) sourceDir(sourceID string) string {
	return filepath.Join(a.dir, sourceID)
}

// existing loads a previously persisted bundle for the source, if any.
func (a *Assembler) existing(sourceID string) (*model.Bundle, error) {
	data, err := os.ReadFile(filepath.Join(a.sourceDir(sourceID), "bundle.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read existing bundle: %w", err)
	}
	var b model.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse existing bundle: %w", err)
	}
	return &b, nil
}

func (a *Assembler) persist(b *model.Bundle) error {
	dir := a.sourceDir(b.SourceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.md"), []byte(renderMarkdown(b)), 0644); err != nil {
		return fmt.Errorf("write bundle markdown: %w", err)
	}
	return a.exportClaims(b, dir)
}

// exportClaims writes the per-claim JSONL rows consumed by downstream
// review tooling.
func (a *Assembler) exportClaims(b *model.Bundle, dir string) error {
	var buf strings.Builder
	for _, sig := range b.Signatures {
		rec := model.ClaimRecord{
			BundleID:    b.ID,
			SignatureID: sig.ID,
			SourceID:    b.SourceID,
			Signature:   sig,
			ExportedAt:  b.CreatedAt,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal claim record %s: %w", sig.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, "claims.jsonl"), []byte(buf.String()), 0644); err != nil {
		return fmt.Errorf("write claims export: %w", err)
	}
	return nil
}

func (a *Assembler) narrativeBleed(sigs []model.Signature) string {
	for _, sig := range sigs {
		if m := bleedRe.FindString(sig.LogicText()); m != "" {
			return m
		}
	}
	return ""
}

func renderMarkdown(b *model.Bundle) string {
	var md strings.Builder
	fmt.Fprintf(&md, "# Bundle %s\n\n", b.ID)
	fmt.Fprintf(&md, "Source: %s\nCreated: %s\nValidated: %d | Rejected: %d\n\n",
		b.SourceID, b.CreatedAt.Format(time.RFC3339), b.Verdict.Validated, b.Verdict.Rejected)

	byDrawer := make(map[model.Drawer][]model.Signature)
	for _, sig := range b.Signatures {
		byDrawer[sig.Drawer] = append(byDrawer[sig.Drawer], sig)
	}
	for _, d := range model.Drawers() {
		sigs := byDrawer[d]
		if len(sigs) == 0 {
			continue
		}
		fmt.Fprintf(&md, "## %s\n\n", d)
		for _, sig := range sigs {
			fmt.Fprintf(&md, "### %s\n\n", sig.ID)
			fmt.Fprintf(&md, "- IF %s\n- THEN %s\n", sig.Condition, sig.Action)
			fmt.Fprintf(&md, "- Source: %s\n", sig.SourceRef)
			fmt.Fprintf(&md, "- Quote: %q\n\n", sig.VerbatimQuote)
		}
	}
	return md.String()
}

// Load reads the persisted bundle for a source; nil when none exists.
func (a *Assembler) Load(sourceID string) (*model.Bundle, error) {
	return a.existing(sourceID)
}

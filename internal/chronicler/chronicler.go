// Package chronicler compacts working memory. When the bead chain grows
// past its thresholds, validated signatures are clustered per drawer, near
// duplicates are flagged redundant, and a new versioned index document is
// written. Old index versions and archived beads are never deleted.
package chronicler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sievelab/refinery/internal/beads"
	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/oracle"
	"github.com/sievelab/refinery/internal/similarity"
)

var indexRe = regexp.MustCompile(`^index_v(\d{3})\.md$`)

// Summarizer produces an optional one-line cluster summary; nil disables
// oracle summaries and falls back to the representative's logic text.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, req oracle.SummarizeRequest) (*oracle.SummarizeResult, error)
}

// Sink receives chronicle beads. The pipeline passes its spend observer so
// summary costs count against the run ceiling like any other oracle call.
type Sink interface {
	Append(b model.Bead) (model.Bead, error)
}

// Waiter throttles oracle calls per provider.
type Waiter interface {
	Wait(ctx context.Context, provider string) error
}

// Chronicler owns compaction. One instance per data dir.
type Chronicler struct {
	cfg        model.CompactorConfig
	store      *beads.Store
	dir        string // Index documents live here
	summarizer Summarizer
	sink       Sink
	limiter    Waiter
	logger     *slog.Logger

	// nowFunc is replaceable in tests
	nowFunc func() time.Time

	mu sync.Mutex
}

// New creates a chronicler writing index documents under dir. A nil sink
// appends beads straight to the store.
func New(cfg model.CompactorConfig, store *beads.Store, dir string, summarizer Summarizer, sink Sink, limiter Waiter, logger *slog.Logger) *Chronicler {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = store
	}
	return &Chronicler{
		cfg:        cfg,
		store:      store,
		dir:        dir,
		summarizer: summarizer,
		sink:       sink,
		limiter:    limiter,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// ShouldCompact reports whether either growth threshold has been crossed.
func (c *Chronicler) ShouldCompact() (bool, error) {
	count, err := c.store.Count()
	if err != nil {
		return false, fmt.Errorf("bead count: %w", err)
	}
	if c.cfg.MaxBeads > 0 && count >= c.cfg.MaxBeads {
		return true, nil
	}
	volume, err := c.store.TokenVolume()
	if err != nil {
		return false, fmt.Errorf("token volume: %w", err)
	}
	return c.cfg.MaxTokens > 0 && volume >= c.cfg.MaxTokens, nil
}

// Compact clusters the validated signatures, writes the next index version,
// and archives bead partitions older than the configured horizon. The
// signatures argument is the current validated set across sources.
func (c *Chronicler) Compact(ctx context.Context, signatures []model.Signature, negatives []model.NegativeBead) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clusters := c.cluster(signatures)
	version, err := c.nextVersion()
	if err != nil {
		return "", err
	}

	doc := c.render(ctx, version, clusters, signatures, negatives)
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("create index dir: %w", err)
	}
	path := filepath.Join(c.dir, fmt.Sprintf("index_v%03d.md", version))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("index version %d already exists", version)
	}
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		return "", fmt.Errorf("write index: %w", err)
	}

	archived, err := c.archive()
	if err != nil {
		return "", err
	}

	redundant := 0
	for _, cl := range clusters {
		redundant += len(cl.Redundant)
	}
	c.emit(model.Bead{
		Type:    model.BeadArchive,
		Source:  filepath.Base(path),
		Content: fmt.Sprintf("compacted to index v%03d: %d clusters, %d redundant, %d partitions archived", version, len(clusters), redundant, len(archived)),
		Payload: map[string]any{
			"index_version":       version,
			"clusters":            len(clusters),
			"redundant":           redundant,
			"archived_partitions": archived,
		},
	})
	c.logger.Info("memory compacted",
		"version", version, "clusters", len(clusters), "redundant", redundant)
	return path, nil
}

// cluster greedily groups signatures per drawer. The first-seen member of
// each cluster is the representative; later members within the similarity
// threshold are flagged redundant.
func (c *Chronicler) cluster(signatures []model.Signature) []model.Cluster {
	threshold := c.cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.85
	}

	var clusters []model.Cluster
	for _, drawer := range model.Drawers() {
		var reps []model.Signature
		var drawerClusters []*model.Cluster
		for _, sig := range signatures {
			if sig.Drawer != drawer {
				continue
			}
			matched := false
			for i, rep := range reps {
				if similarity.Score(sig.LogicText(), rep.LogicText()) >= threshold {
					drawerClusters[i].Members = append(drawerClusters[i].Members, sig.ID)
					drawerClusters[i].Redundant = append(drawerClusters[i].Redundant, sig.ID)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			reps = append(reps, sig)
			drawerClusters = append(drawerClusters, &model.Cluster{
				Drawer:         drawer,
				Topic:          topicOf(sig),
				Representative: sig.ID,
				Members:        []string{sig.ID},
			})
		}
		for _, cl := range drawerClusters {
			clusters = append(clusters, *cl)
		}
	}
	return clusters
}

// topicOf derives a short cluster topic from the condition's leading words.
func topicOf(sig model.Signature) string {
	words := similarity.Tokenize(sig.Condition)
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ")
}

func (c *Chronicler) render(ctx context.Context, version int, clusters []model.Cluster, signatures []model.Signature, negatives []model.NegativeBead) string {
	byID := make(map[string]model.Signature, len(signatures))
	for _, sig := range signatures {
		byID[sig.ID] = sig
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Canon Index v%03d\n\n", version)
	fmt.Fprintf(&md, "Generated: %s\nSignatures: %d | Clusters: %d\n\n",
		c.nowFunc().UTC().Format(time.RFC3339), len(signatures), len(clusters))

	for _, drawer := range model.Drawers() {
		var drawerClusters []model.Cluster
		for _, cl := range clusters {
			if cl.Drawer == drawer {
				drawerClusters = append(drawerClusters, cl)
			}
		}
		if len(drawerClusters) == 0 {
			continue
		}
		fmt.Fprintf(&md, "## %s\n\n", drawer)
		for _, cl := range drawerClusters {
			rep := byID[cl.Representative]
			fmt.Fprintf(&md, "- %s: %s\n", cl.Representative, c.summary(ctx, rep, cl))
			for _, id := range cl.Redundant {
				fmt.Fprintf(&md, "  - %s REDUNDANT (see %s)\n", id, cl.Representative)
			}
		}
		md.WriteString("\n")
	}

	if len(negatives) > 0 {
		md.WriteString("## NEGATIVE\n\n")
		for _, nb := range negatives {
			fmt.Fprintf(&md, "- %s: %s\n", nb.ID, nb.Reason)
		}
		md.WriteString("\n")
	}
	return md.String()
}

// summary asks the oracle for a compact cluster line, falling back to the
// representative's own logic when no summarizer is wired or the call fails.
// Each successful call leaves a COST bead so compaction spend is visible.
func (c *Chronicler) summary(ctx context.Context, rep model.Signature, cl model.Cluster) string {
	fallback := fmt.Sprintf("IF %s THEN %s", rep.Condition, rep.Action)
	if c.summarizer == nil || len(cl.Members) < 2 {
		return fallback
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.summarizer.Name()); err != nil {
			c.logger.Warn("cluster summary skipped", "cluster", cl.Representative, "error", err)
			return fallback
		}
	}
	res, err := c.summarizer.Summarize(ctx, oracle.SummarizeRequest{
		System:    "Summarize the trading rule cluster in one plain sentence. No advice, no embellishment.",
		Prompt:    fallback,
		MaxTokens: 64,
	})
	if err != nil || strings.TrimSpace(res.Text) == "" {
		c.logger.Warn("cluster summary skipped", "cluster", cl.Representative, "error", err)
		return fallback
	}
	c.emit(model.Bead{
		Type:    model.BeadCost,
		Source:  cl.Representative,
		Content: fmt.Sprintf("cluster summary for %s", cl.Representative),
		Payload: map[string]any{
			"model":             res.Model,
			"prompt_tokens":     res.Usage.PromptTokens,
			"completion_tokens": res.Usage.CompletionTokens,
			"cost_usd":          res.Usage.CostUSD,
			"stage":             "chronicler",
		},
	})
	return strings.TrimSpace(res.Text)
}

func (c *Chronicler) emit(b model.Bead) {
	if _, err := c.sink.Append(b); err != nil {
		c.logger.Error("bead append failed", "type", b.Type, "error", err)
	}
}

// nextVersion scans existing index documents; versions only ever grow.
func (c *Chronicler) nextVersion() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read index dir: %w", err)
	}
	latest := 0
	for _, e := range entries {
		m := indexRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var v int
		fmt.Sscanf(m[1], "%d", &v)
		if v > latest {
			latest = v
		}
	}
	return latest + 1, nil
}

// archive moves bead partitions past the horizon into the archive dir.
func (c *Chronicler) archive() ([]string, error) {
	days := c.cfg.ArchiveDays
	if days <= 0 {
		return nil, nil
	}
	horizon := c.nowFunc().AddDate(0, 0, -days)
	archived, err := c.store.ArchiveBefore(horizon)
	if err != nil {
		return nil, fmt.Errorf("archive beads: %w", err)
	}
	return archived, nil
}

// Excerpt returns the latest index document for audit probes; empty before
// the first compaction.
func (c *Chronicler) Excerpt() string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if indexRe.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(c.dir, names[len(names)-1]))
	if err != nil {
		return ""
	}
	return string(data)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sievelab/refinery/internal/guards"
	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/queue"
	"github.com/spf13/cobra"
)

var (
	runSourcesDir string
	runWorkers    int
	runTimeout    time.Duration
	runLimit      int
	runDryRun     bool
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the queue until it drains or a guard halts the run",
	Long: `Run works the chunk queue through the full pipeline:
- Injection guard scans each chunk before any oracle sees it
- Extraction oracle distills IF/THEN signatures with provenance
- Audit oracle (distinct model family) adversarially validates each one
- Completed sources are assembled into bundles
- Memory is compacted when the bead chain grows past its thresholds

A previous crash or halt resumes automatically: the queue and the bead
chain carry all state.

Example:
  refinery run
  refinery run --sources ./corpus --workers 8
  refinery run --limit 10 --timeout 30m
  refinery run --dry-run`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSourcesDir, "sources", "", "directory of source files (default: <data-dir>/sources)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "chunk workers (default: from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall run timeout (0 = none)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "max chunks to dispatch this run (0 = all)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "list pending work without dispatching")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runWorkers > 0 {
		cfg.Concurrency.ChunkWorkers = runWorkers
	}
	if runDryRun {
		return dryRun(cfg)
	}

	c, err := build(cfg, runSourcesDir, runLimit)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close bead store: %v\n", closeErr)
		}
	}()

	ctx := context.Background()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	pending := c.queue.Pending()
	if len(pending) == 0 {
		fmt.Fprintf(os.Stderr, "Queue is empty. Use 'refinery enqueue' to add sources.\n")
		return nil
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Refinery Run\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Pending chunks:  %d\n", len(pending))
	fmt.Fprintf(os.Stderr, "  Workers:         %d\n", cfg.Concurrency.ChunkWorkers)
	fmt.Fprintf(os.Stderr, "  Extraction:      %s/%s\n", cfg.Extraction.Provider, cfg.Extraction.Model)
	fmt.Fprintf(os.Stderr, "  Audit:           %s/%s\n", cfg.Audit.Provider, cfg.Audit.Model)
	fmt.Fprintf(os.Stderr, "\n")

	if err := c.runner.Restore(); err != nil {
		return fmt.Errorf("restore prior state: %w", err)
	}

	runErr := c.runner.Run(ctx)

	printRunSummary(c)

	var breach *guards.BreachError
	if errors.As(runErr, &breach) {
		fmt.Fprintf(os.Stderr, "⚠ Run halted by %s guard: %s\n", breach.Guard, breach.Reason)
		fmt.Fprintf(os.Stderr, "  Remaining work stays queued; run again to continue.\n\n")
		return runErr
	}
	return runErr
}

// dryRun lists pending work without touching the oracles, so it works
// even with no API keys configured.
func dryRun(cfg *model.Config) error {
	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	pending := q.Pending()
	if len(pending) == 0 {
		fmt.Fprintf(os.Stderr, "Queue is empty; nothing to do.\n")
		return nil
	}

	perSource := map[string]int{}
	for _, e := range pending {
		perSource[e.SourceID]++
	}
	fmt.Fprintf(os.Stderr, "Would dispatch %d chunks:\n", len(pending))
	for _, sourceID := range q.Sources() {
		if n := perSource[sourceID]; n > 0 {
			fmt.Fprintf(os.Stderr, "  %s: %d chunks\n", sourceID, n)
		}
	}
	if runLimit > 0 && len(pending) > runLimit {
		fmt.Fprintf(os.Stderr, "(capped at %d by --limit)\n", runLimit)
	}
	return nil
}

func printRunSummary(c *components) {
	counts := map[model.QueueStatus]int{}
	for _, e := range c.queue.Snapshot() {
		counts[e.Status]++
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Run Complete\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Done:      %d\n", counts[model.QueueDone])
	fmt.Fprintf(os.Stderr, "  Failed:    %d\n", counts[model.QueueFailed])
	fmt.Fprintf(os.Stderr, "  Pending:   %d\n", counts[model.QueuePending]+counts[model.QueueInProgress])
	if spend, err := c.store.CostToday(); err == nil {
		fmt.Fprintf(os.Stderr, "  Spend:     $%.4f today\n", spend)
	}
	fmt.Fprintf(os.Stderr, "\n")
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sievelab/refinery/internal/beads"
	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/queue"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and bead-chain status",
	Long: `Status summarizes the durable state of the refinery:
- Queue entries by status, per source
- Bead chain volume by type
- Spend recorded today against the daily ceiling`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	store, err := beads.NewStore(filepath.Join(cfg.DataDir, "beads"))
	if err != nil {
		return fmt.Errorf("open bead store: %w", err)
	}
	defer store.Close()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Refinery Status\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Data dir: %s\n", cfg.DataDir)
	fmt.Fprintf(os.Stderr, "\n")

	printQueueStatus(q)
	printBeadStatus(store, cfg)

	return nil
}

func printQueueStatus(q *queue.Store) {
	entries := q.Snapshot()
	if len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "  Queue: empty\n\n")
		return
	}

	type sourceCount struct {
		done, failed, pending int
	}
	perSource := map[string]*sourceCount{}
	for _, e := range entries {
		sc, ok := perSource[e.SourceID]
		if !ok {
			sc = &sourceCount{}
			perSource[e.SourceID] = sc
		}
		switch e.Status {
		case model.QueueDone:
			sc.done++
		case model.QueueFailed:
			sc.failed++
		default:
			sc.pending++
		}
	}

	fmt.Fprintf(os.Stderr, "  Queue: %d chunks\n", len(entries))
	for _, sourceID := range q.Sources() {
		sc := perSource[sourceID]
		marker := " "
		if q.SourceComplete(sourceID) {
			marker = "✓"
		}
		fmt.Fprintf(os.Stderr, "    %s %s: %d done, %d failed, %d pending\n",
			marker, sourceID, sc.done, sc.failed, sc.pending)
	}
	fmt.Fprintf(os.Stderr, "\n")
}

func printBeadStatus(store *beads.Store, cfg *model.Config) {
	all, err := store.ReadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "  Beads: unreadable (%v)\n\n", err)
		return
	}

	byType := map[model.BeadType]int{}
	for _, b := range all {
		byType[b.Type]++
	}

	fmt.Fprintf(os.Stderr, "  Beads: %d total\n", len(all))
	for _, t := range []model.BeadType{
		model.BeadExtraction,
		model.BeadAuditVerdict,
		model.BeadNegative,
		model.BeadBundle,
		model.BeadGuardBreach,
		model.BeadGuardFlag,
		model.BeadMalformed,
		model.BeadCost,
		model.BeadArchive,
	} {
		if n := byType[t]; n > 0 {
			fmt.Fprintf(os.Stderr, "    %-22s %d\n", t, n)
		}
	}

	if spend, err := store.CostToday(); err == nil {
		fmt.Fprintf(os.Stderr, "\n  Spend today: $%.4f", spend)
		if limit := cfg.Guards.CostCeiling.DailyLimitUSD; limit > 0 {
			fmt.Fprintf(os.Stderr, " of $%.2f daily ceiling", limit)
		}
		fmt.Fprintf(os.Stderr, "\n")
	}
	fmt.Fprintf(os.Stderr, "\n")
}

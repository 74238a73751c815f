package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sievelab/refinery/internal/beads"
	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/negative"
	"github.com/spf13/cobra"
)

var (
	rejectDrawer int
	rejectReason string
)

// rejectCmd represents the reject command
var rejectCmd = &cobra.Command{
	Use:   "reject <signature-id>",
	Short: "Record an operator rejection of a bundled claim",
	Long: `Reject marks an already-bundled claim as wrong after the fact. The
rejection lands in the negative loop, so later extraction calls carry it
as avoidance context and the next compaction lists it under NEGATIVE.

Example:
  refinery reject S-014 --drawer 4 --reason "contradicted by episode 9"`,
	Args: cobra.ExactArgs(1),
	RunE: runReject,
}

func init() {
	rootCmd.AddCommand(rejectCmd)

	rejectCmd.Flags().IntVar(&rejectDrawer, "drawer", 0, "drawer number of the rejected claim (1-8)")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the claim is wrong")
	rejectCmd.MarkFlagRequired("drawer")
	rejectCmd.MarkFlagRequired("reason")
}

func runReject(cmd *cobra.Command, args []string) error {
	claimID := args[0]
	drawer := model.Drawer(rejectDrawer)
	if !drawer.Valid() {
		return fmt.Errorf("drawer %d out of range", rejectDrawer)
	}

	// Rejection never talks to an oracle; only the bead store is opened.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := beads.NewStore(filepath.Join(cfg.DataDir, "beads"))
	if err != nil {
		return fmt.Errorf("open bead store: %w", err)
	}
	defer store.Close()

	// Replay keeps the N-sequence monotonic across invocations.
	loop := negative.NewLoop(store, cfg.Negative.Window, nil)
	all, err := store.ReadAll()
	if err != nil {
		return fmt.Errorf("read beads: %w", err)
	}
	loop.Restore(all)

	nb := loop.HumanReject(claimID, drawer, rejectReason)
	if err := store.Flush(); err != nil {
		return fmt.Errorf("flush beads: %w", err)
	}

	fmt.Fprintf(os.Stderr, "✓ %s recorded: %s rejected (%s)\n", nb.ID, claimID, nb.Reason)
	return nil
}

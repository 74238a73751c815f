package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var compactTimeout time.Duration

// compactCmd represents the compact command
var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the bead chain into a versioned canon index",
	Long: `Compact clusters the validated signatures by redundancy, writes the
next versioned canon index (index_vNNN.md), and archives bead partitions
older than the configured horizon. Prior index versions are never
modified.

Normally compaction triggers automatically during a run when the bead
chain passes its thresholds; this command forces it immediately.

Example:
  refinery compact`,
	RunE: runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)

	compactCmd.Flags().DurationVar(&compactTimeout, "timeout", 5*time.Minute, "compaction timeout")
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := build(cfg, "", 0)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close bead store: %v\n", closeErr)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
	defer cancel()

	if err := c.runner.Restore(); err != nil {
		return fmt.Errorf("restore prior state: %w", err)
	}

	indexPath, err := c.runner.ForceCompact(ctx)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	fmt.Fprintf(os.Stderr, "✓ Canon index written: %s\n", indexPath)
	return nil
}

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sievelab/refinery/internal/content"
	"github.com/sievelab/refinery/internal/queue"
	"github.com/spf13/cobra"
)

var (
	enqueueSourcesDir string
	enqueueAll        bool
	enqueueURLs       []string
	enqueueUserAgent  string
	enqueueTimeout    time.Duration
)

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [source-id...]",
	Short: "Chunk sources and add them to the queue",
	Long: `Enqueue chunks one or more source files and records the chunks in the
durable queue. A source ID names a <source-id>.txt or <source-id>.md file
inside the sources directory. Re-enqueueing an already queued chunk is a
no-op, so enqueue is safe to repeat.

With --url, the page is fetched first (robots.txt permitting), reduced to
visible text, and saved into the sources directory before enqueueing.

Example:
  refinery enqueue lecture-04
  refinery enqueue lecture-04 lecture-05 --sources ./corpus
  refinery enqueue --url https://example.com/lessons/entry-models
  refinery enqueue --all`,
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueSourcesDir, "sources", "", "directory of source files (default: <data-dir>/sources)")
	enqueueCmd.Flags().BoolVar(&enqueueAll, "all", false, "enqueue every source in the sources directory")
	enqueueCmd.Flags().StringSliceVar(&enqueueURLs, "url", nil, "fetch a page into the sources directory and enqueue it (repeatable)")
	enqueueCmd.Flags().StringVar(&enqueueUserAgent, "ua", "Refinery/0.1", "HTTP User-Agent for --url fetches")
	enqueueCmd.Flags().DurationVar(&enqueueTimeout, "fetch-timeout", 30*time.Second, "timeout per --url fetch")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !enqueueAll && len(enqueueURLs) == 0 {
		return fmt.Errorf("name at least one source ID, pass --url, or pass --all")
	}

	// Enqueueing never talks to an oracle, so only the queue and the
	// sources directory are opened; no API keys required.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	sourcesDir := enqueueSourcesDir
	if sourcesDir == "" {
		sourcesDir = filepath.Join(cfg.DataDir, "sources")
	}
	source := content.NewFileSource(sourcesDir, 0, 0)

	sourceIDs := args
	if len(enqueueURLs) > 0 {
		fetcher := content.NewFetcher(enqueueUserAgent, enqueueTimeout, 0,
			cfg.Extraction.HTTPProxy, cfg.Extraction.HTTPSProxy, cfg.Extraction.NoProxy)
		for _, rawURL := range enqueueURLs {
			sourceID, err := fetcher.Fetch(cmd.Context(), rawURL, sourcesDir)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", rawURL, err)
			}
			fmt.Fprintf(os.Stderr, "✓ fetched %s → %s\n", rawURL, sourceID)
			sourceIDs = append(sourceIDs, sourceID)
		}
	}
	if enqueueAll {
		sourceIDs, err = source.Sources()
		if err != nil {
			return fmt.Errorf("list sources: %w", err)
		}
		if len(sourceIDs) == 0 {
			return fmt.Errorf("no sources found")
		}
	}

	total := 0
	for _, sourceID := range sourceIDs {
		chunks, err := source.Chunks(sourceID)
		if err != nil {
			return fmt.Errorf("chunk source %s: %w", sourceID, err)
		}
		if err := q.Enqueue(chunks); err != nil {
			return fmt.Errorf("enqueue source %s: %w", sourceID, err)
		}
		total += len(chunks)
		fmt.Fprintf(os.Stderr, "✓ %s: %d chunks\n", sourceID, len(chunks))
	}

	fmt.Fprintf(os.Stderr, "\nEnqueued %d sources (%d chunks). Start processing with:\n", len(sourceIDs), total)
	fmt.Fprintf(os.Stderr, "  refinery run\n\n")
	return nil
}

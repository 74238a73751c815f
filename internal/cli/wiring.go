package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sievelab/refinery/internal/audit"
	"github.com/sievelab/refinery/internal/beads"
	"github.com/sievelab/refinery/internal/bundle"
	"github.com/sievelab/refinery/internal/cache"
	"github.com/sievelab/refinery/internal/chronicler"
	"github.com/sievelab/refinery/internal/content"
	"github.com/sievelab/refinery/internal/extract"
	"github.com/sievelab/refinery/internal/guard"
	"github.com/sievelab/refinery/internal/guards"
	"github.com/sievelab/refinery/internal/model"
	"github.com/sievelab/refinery/internal/negative"
	"github.com/sievelab/refinery/internal/oracle"
	"github.com/sievelab/refinery/internal/pipeline"
	"github.com/sievelab/refinery/internal/queue"
	"github.com/sievelab/refinery/internal/worker"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// loadConfig merges defaults, the YAML config file, environment API keys,
// and global flags into one effective configuration.
func loadConfig() (*model.Config, error) {
	cfg := model.DefaultConfig()

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
	}

	applyEnvKeys(&cfg.Extraction)
	applyEnvKeys(&cfg.Audit)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve data directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".refinery", "data")
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// applyEnvKeys fills a missing API key from the provider's conventional
// environment variable.
func applyEnvKeys(oc *model.OracleConfig) {
	if oc.APIKey != "" {
		return
	}
	switch oc.Provider {
	case "openai":
		oc.APIKey = os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		oc.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "deepseek":
		oc.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	case "anthropic":
		oc.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "ollama":
		// Ollama doesn't need an API key
		if base := os.Getenv("OLLAMA_BASE_URL"); base != "" && oc.BaseURL == "" {
			oc.BaseURL = base
		}
	}
}

func newLogger(cfg model.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// components holds every wired subsystem for one invocation.
type components struct {
	cfg    *model.Config
	logger *slog.Logger

	store  *beads.Store
	queue  *queue.Store
	source *content.FileSource
	runner *pipeline.Runner
}

// Close flushes and releases the bead store.
func (c *components) Close() error {
	return c.store.Close()
}

// build wires the full pipeline. The cross-family invariant is validated
// here, before any chunk is dispatched; a shared family is a fatal
// configuration error.
func build(cfg *model.Config, sourcesDir string, limit int) (*components, error) {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	extProvider, err := oracle.NewProvider(cfg.Extraction)
	if err != nil {
		return nil, fmt.Errorf("extraction oracle: %w", err)
	}
	audProvider, err := oracle.NewProvider(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit oracle: %w", err)
	}
	if err := oracle.ValidatePairing(extProvider, audProvider); err != nil {
		return nil, err
	}

	// An unpriced model spends invisibly: its calls cost zero in the
	// ledger and the daily ceiling never trips on them.
	for _, m := range []string{cfg.Extraction.Model, cfg.Audit.Model} {
		if !oracle.Priced(m) {
			logger.Warn("model missing from cost table, spend will read as zero", "model", m)
		}
	}

	store, err := beads.NewStore(filepath.Join(cfg.DataDir, "beads"))
	if err != nil {
		return nil, fmt.Errorf("open bead store: %w", err)
	}

	q, err := queue.Open(filepath.Join(cfg.DataDir, "queue"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	// Restored daily spend keeps the cost ceiling honest across restarts.
	priorSpend, err := store.CostToday()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("restore daily spend: %w", err)
	}
	manager := guards.NewManager(cfg.Guards, store, priorSpend, logger)
	sink := pipeline.NewSpendObserver(store, manager, logger)

	verdicts := cache.NewLayeredCache(
		time.Duration(cfg.Cache.MemoryTTLMinutes)*time.Minute,
		filepath.Join(cfg.DataDir, "cache"),
		time.Duration(cfg.Cache.DiskTTLHours)*time.Hour,
	)
	g, err := guard.New(cfg.Guard, verdicts, sink)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build guard: %w", err)
	}

	limiter := worker.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	loop := negative.NewLoop(sink, cfg.Negative.Window, logger)
	extraction := extract.NewStage(extProvider, sink, limiter, loop, logger)

	// The chronicler doubles as the audit stage's canon source: probes
	// falsify against the latest compacted index.
	chron := chronicler.New(cfg.Chronicler, store, filepath.Join(cfg.DataDir, "chronicle"), audProvider, sink, limiter, logger)
	auditor := audit.NewStage(audProvider, sink, limiter, chron, logger)

	assembler := bundle.NewAssembler(filepath.Join(cfg.DataDir, "bundles"), sink, q, logger)

	if sourcesDir == "" {
		sourcesDir = filepath.Join(cfg.DataDir, "sources")
	}
	source := content.NewFileSource(sourcesDir, 0, 0)

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Queue:       q,
		Store:       store,
		Guard:       g,
		Extraction:  extraction,
		Auditor:     auditor,
		Negatives:   loop,
		Assembler:   assembler,
		Compactor:   chron,
		Manager:     manager,
		Source:      source,
		Concurrency: cfg.Concurrency.ChunkWorkers,
		Limit:       limit,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &components{
		cfg:    cfg,
		logger: logger,
		store:  store,
		queue:  q,
		source: source,
		runner: runner,
	}, nil
}

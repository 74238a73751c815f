// Package beads implements the append-only event log (the "bead chain").
//
// Beads are written one JSON object per line into day-partitioned files so
// the forensic record stays readable and greppable without any pipeline
// code. Files are write-once from the store's perspective: the only
// mutation ever applied is the compactor moving whole partitions into the
// archive directory.
package beads

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sievelab/refinery/internal/model"
)

const (
	partitionPrefix = "beads_"
	partitionExt    = ".jsonl"
	archiveDirName  = "archive"
)

// nowFunc is injectable for tests that need deterministic partitioning.
var nowFunc = time.Now

// Store appends beads to the current day partition. A single Store owns its
// partition's append handle; cross-process coordination is out of scope.
type Store struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	file    *os.File
	fileDay string
	seq     atomic.Int64
}

// NewStore opens (or creates) a bead store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create beads dir: %w", err)
	}
	return &Store{
		dir: dir,
		log: slog.With("component", "beads"),
	}, nil
}

// Dir returns the live partition directory.
func (s *Store) Dir() string { return s.dir }

// ArchiveDir returns the archive partition directory.
func (s *Store) ArchiveDir() string { return filepath.Join(s.dir, archiveDirName) }

func partitionName(day string) string {
	return partitionPrefix + day + partitionExt
}

// Append writes one bead to the current day partition. The bead's ID and
// Timestamp are assigned here if unset.
func (s *Store) Append(b model.Bead) (model.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowFunc().UTC()
	if b.Timestamp.IsZero() {
		b.Timestamp = now
	}
	if b.ID == "" {
		b.ID = fmt.Sprintf("B-%d-%04d", now.UnixMilli(), s.seq.Add(1))
	}

	day := now.Format("2006-01-02")
	if s.file == nil || s.fileDay != day {
		if s.file != nil {
			_ = s.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(s.dir, partitionName(day)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return model.Bead{}, fmt.Errorf("open partition: %w", err)
		}
		s.file = f
		s.fileDay = day
	}

	line, err := json.Marshal(b)
	if err != nil {
		return model.Bead{}, fmt.Errorf("marshal bead: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return model.Bead{}, fmt.Errorf("append bead: %w", err)
	}
	return b, nil
}

// Flush syncs the current partition handle to disk. Called on clean halts
// so no in-flight bead write is lost.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync partition: %w", err)
	}
	return nil
}

// Close flushes and releases the partition handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.fileDay = ""
	return err
}

// partitions returns live partition file paths sorted by day ascending.
func (s *Store) partitions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read beads dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, partitionPrefix) && strings.HasSuffix(name, partitionExt) {
			paths = append(paths, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func readPartition(path string) ([]model.Bead, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []model.Bead
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var b model.Bead
		if err := json.Unmarshal([]byte(line), &b); err != nil {
			// A torn trailing line is possible after a crash; skip it
			// rather than failing every reader.
			slog.Warn("skipping unparsable bead line", "path", path, "err", err)
			continue
		}
		out = append(out, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan partition: %w", err)
	}
	return out, nil
}

// ReadAll returns every bead in the live partitions, oldest first.
func (s *Store) ReadAll() ([]model.Bead, error) {
	paths, err := s.partitions()
	if err != nil {
		return nil, err
	}
	var all []model.Bead
	for _, p := range paths {
		bs, err := readPartition(p)
		if err != nil {
			return nil, err
		}
		all = append(all, bs...)
	}
	return all, nil
}

// ReadByType returns live beads of the given type, oldest first.
func (s *Store) ReadByType(t model.BeadType) ([]model.Bead, error) {
	all, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []model.Bead
	for _, b := range all {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out, nil
}

// Count returns the number of beads in the live partitions.
func (s *Store) Count() (int, error) {
	all, err := s.ReadAll()
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// TokenVolume approximates the token count of all live bead content.
func (s *Store) TokenVolume() (int, error) {
	all, err := s.ReadAll()
	if err != nil {
		return 0, err
	}
	chars := 0
	for _, b := range all {
		chars += len(b.Content)
		for _, v := range b.Payload {
			if sv, ok := v.(string); ok {
				chars += len(sv)
			}
		}
	}
	return chars / 4, nil
}

// CostToday sums COST bead spend recorded on the current calendar day,
// across live and archived partitions. Used to restore the daily ceiling
// after a halt.
func (s *Store) CostToday() (float64, error) {
	today := nowFunc().UTC().Format("2006-01-02")
	total := 0.0

	sum := func(paths []string) error {
		for _, p := range paths {
			bs, err := readPartition(p)
			if err != nil {
				return err
			}
			for _, b := range bs {
				if b.Type != model.BeadCost {
					continue
				}
				if b.Timestamp.UTC().Format("2006-01-02") != today {
					continue
				}
				if usd, ok := b.Payload["cost_usd"].(float64); ok {
					total += usd
				}
			}
		}
		return nil
	}

	live, err := s.partitions()
	if err != nil {
		return 0, err
	}
	if err := sum(live); err != nil {
		return 0, err
	}
	archived, err := filepath.Glob(filepath.Join(s.ArchiveDir(), "*"+partitionExt))
	if err != nil {
		return 0, err
	}
	if err := sum(archived); err != nil {
		return 0, err
	}
	return total, nil
}

// ArchiveBefore moves every live partition older than horizon into the
// archive directory. The move is a rename, so from any reader's view each
// partition is always present in exactly one place.
func (s *Store) ArchiveBefore(horizon time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.ArchiveDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read beads dir: %w", err)
	}

	cutoff := horizon.UTC().Format("2006-01-02")
	var moved []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, partitionPrefix) || !strings.HasSuffix(name, partitionExt) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, partitionPrefix), partitionExt)
		if day >= cutoff {
			continue
		}
		if s.fileDay == day && s.file != nil {
			_ = s.file.Close()
			s.file = nil
			s.fileDay = ""
		}
		dst := filepath.Join(s.ArchiveDir(), name)
		if err := os.Rename(filepath.Join(s.dir, name), dst); err != nil {
			return moved, fmt.Errorf("archive partition %s: %w", name, err)
		}
		s.log.Info("archived partition", "partition", name)
		moved = append(moved, dst)
	}
	return moved, nil
}

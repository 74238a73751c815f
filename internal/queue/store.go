// Package queue persists per-chunk work state. The whole queue is small, so
// every mutation rewrites the file through an atomic replace: write a temp
// file in the same directory, fsync, rename. A crash at any point leaves
// either the old state or the new state, never a torn file.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sievelab/refinery/internal/model"
)

const (
	queueFileName  = "queue.yaml"
	tempFilePrefix = "refinery-tmp-"
	maxAttempts    = 3
)

// queueFile is the on-disk document shape.
type queueFile struct {
	Entries []model.QueueEntry `yaml:"entries"`
}

// Store is the durable chunk queue. Safe for concurrent use.
type Store struct {
	path string

	mu      sync.Mutex
	entries []model.QueueEntry
}

// Open loads the queue from dir, creating an empty queue when none exists.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	s := &Store{path: filepath.Join(dir, queueFileName)}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	var doc queueFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse queue: %w", err)
	}
	s.entries = doc.Entries

	// Work interrupted mid-flight is picked up again on restart.
	for i := range s.entries {
		if s.entries[i].Status == model.QueueInProgress {
			s.entries[i].Status = model.QueuePending
		}
	}
	return s, nil
}

// Enqueue registers chunks as pending. Already-known chunks are left
// untouched, so re-enqueueing a source is idempotent.
func (s *Store) Enqueue(chunks []model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		known[e.SourceID+"/"+e.ChunkID] = true
	}
	added := 0
	for _, c := range chunks {
		if known[c.SourceID+"/"+c.ChunkID] {
			continue
		}
		s.entries = append(s.entries, model.QueueEntry{
			SourceID: c.SourceID,
			ChunkID:  c.ChunkID,
			Status:   model.QueuePending,
		})
		added++
	}
	if added == 0 {
		return nil
	}
	return s.persistLocked()
}

// Pending returns entries eligible for dispatch: PENDING, plus FAILED ones
// that still have attempts left.
func (s *Store) Pending() []model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QueueEntry
	for _, e := range s.entries {
		switch e.Status {
		case model.QueuePending:
			out = append(out, e)
		case model.QueueFailed:
			if e.AttemptCount < maxAttempts {
				out = append(out, e)
			}
		}
	}
	return out
}

// MarkInProgress transitions a chunk to IN_PROGRESS and counts the attempt.
func (s *Store) MarkInProgress(sourceID, chunkID string) error {
	return s.transition(sourceID, chunkID, func(e *model.QueueEntry) {
		e.Status = model.QueueInProgress
		e.AttemptCount++
		e.Error = ""
	})
}

// MarkDone transitions a chunk to DONE.
func (s *Store) MarkDone(sourceID, chunkID string) error {
	return s.transition(sourceID, chunkID, func(e *model.QueueEntry) {
		e.Status = model.QueueDone
		e.Error = ""
	})
}

// MarkFailed transitions a chunk to FAILED with the failure reason.
func (s *Store) MarkFailed(sourceID, chunkID string, cause error) error {
	return s.transition(sourceID, chunkID, func(e *model.QueueEntry) {
		e.Status = model.QueueFailed
		if cause != nil {
			e.Error = cause.Error()
		}
	})
}

func (s *Store) transition(sourceID, chunkID string, mutate func(*model.QueueEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].SourceID == sourceID && s.entries[i].ChunkID == chunkID {
			mutate(&s.entries[i])
			return s.persistLocked()
		}
	}
	return fmt.Errorf("queue: unknown chunk %s/%s", sourceID, chunkID)
}

// SourceComplete reports whether every chunk of a source is DONE. A source
// with no chunks is not complete.
func (s *Store) SourceComplete(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, e := range s.entries {
		if e.SourceID != sourceID {
			continue
		}
		found = true
		if e.Status != model.QueueDone {
			return false
		}
	}
	return found
}

// Sources lists the distinct source IDs in the queue, sorted.
func (s *Store) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]bool)
	for _, e := range s.entries {
		set[e.SourceID] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every entry, for status reporting.
func (s *Store) Snapshot() []model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.QueueEntry(nil), s.entries...)
}

func (s *Store) persistLocked() error {
	data, err := yaml.Marshal(queueFile{Entries: s.entries})
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	return writeFileAtomic(s.path, data, 0644)
}

// writeFileAtomic writes data to a file atomically by writing to a temp
// file in the same directory and renaming it over the target.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)

	tmpFile, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name()) // Clean up if we fail before rename

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpFile.Name(), perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), filename); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", filename, err)
	}
	return nil
}

package beads

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sievelab/refinery/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AppendAndRead(t *testing.T) {
	s := newTestStore(t)

	b1, err := s.Append(model.Bead{Type: model.BeadExtraction, Content: "extracted_3_signatures"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if b1.ID == "" {
		t.Error("expected assigned bead id")
	}
	if b1.Timestamp.IsZero() {
		t.Error("expected assigned timestamp")
	}

	if _, err := s.Append(model.Bead{Type: model.BeadAuditVerdict, Content: "S-001"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ReadAll returned %d beads, want 2", len(all))
	}
	if all[0].Type != model.BeadExtraction || all[1].Type != model.BeadAuditVerdict {
		t.Errorf("beads out of append order: %v, %v", all[0].Type, all[1].Type)
	}
}

func TestStore_ReadByType(t *testing.T) {
	s := newTestStore(t)
	for _, bt := range []model.BeadType{model.BeadNegative, model.BeadExtraction, model.BeadNegative} {
		if _, err := s.Append(model.Bead{Type: bt}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	negs, err := s.ReadByType(model.BeadNegative)
	if err != nil {
		t.Fatalf("ReadByType: %v", err)
	}
	if len(negs) != 2 {
		t.Errorf("got %d NEGATIVE beads, want 2", len(negs))
	}
}

func TestStore_DayPartitioning(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	defer func() { nowFunc = time.Now }()

	if _, err := s.Append(model.Bead{Type: model.BeadExtraction}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	nowFunc = func() time.Time { return base.AddDate(0, 0, 1) }
	if _, err := s.Append(model.Bead{Type: model.BeadExtraction}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	for _, day := range []string{"2026-03-01", "2026-03-02"} {
		path := filepath.Join(s.Dir(), partitionName(day))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected partition for %s: %v", day, err)
		}
	}
}

func TestStore_ArchiveBefore(t *testing.T) {
	s := newTestStore(t)

	old := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return old }
	if _, err := s.Append(model.Bead{Type: model.BeadExtraction, Content: "old"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recent := old.AddDate(0, 0, 3)
	nowFunc = func() time.Time { return recent }
	defer func() { nowFunc = time.Now }()
	if _, err := s.Append(model.Bead{Type: model.BeadExtraction, Content: "recent"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	moved, err := s.ArchiveBefore(recent.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("ArchiveBefore: %v", err)
	}
	if len(moved) != 1 {
		t.Fatalf("archived %d partitions, want 1", len(moved))
	}

	// The old partition must exist in archive and be gone from live.
	if _, err := os.Stat(moved[0]); err != nil {
		t.Errorf("archived partition missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), partitionName("2026-03-01"))); !os.IsNotExist(err) {
		t.Errorf("old partition still live: %v", err)
	}

	// Live reads see only the recent bead; the archived bead is not lost.
	live, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(live) != 1 || live[0].Content != "recent" {
		t.Errorf("live beads = %+v, want only the recent bead", live)
	}
	archived, err := readPartition(moved[0])
	if err != nil {
		t.Fatalf("readPartition(archive): %v", err)
	}
	if len(archived) != 1 || archived[0].Content != "old" {
		t.Errorf("archived beads = %+v, want only the old bead", archived)
	}
}

func TestStore_CostToday(t *testing.T) {
	s := newTestStore(t)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return now }
	defer func() { nowFunc = time.Now }()

	for _, usd := range []float64{0.002, 0.003} {
		if _, err := s.Append(model.Bead{
			Type:    model.BeadCost,
			Payload: map[string]any{"cost_usd": usd},
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// A cost bead from yesterday must not count.
	nowFunc = func() time.Time { return now.AddDate(0, 0, -1) }
	if _, err := s.Append(model.Bead{
		Type:    model.BeadCost,
		Payload: map[string]any{"cost_usd": 5.0},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	nowFunc = func() time.Time { return now }

	total, err := s.CostToday()
	if err != nil {
		t.Fatalf("CostToday: %v", err)
	}
	if total < 0.0049 || total > 0.0051 {
		t.Errorf("CostToday = %v, want 0.005", total)
	}
}

func TestStore_TornLineSkipped(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append(model.Bead{Type: model.BeadExtraction}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-append: a truncated JSON line at the tail.
	paths, err := s.partitions()
	if err != nil || len(paths) != 1 {
		t.Fatalf("partitions: %v (%d)", err, len(paths))
	}
	f, err := os.OpenFile(paths[0], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"id":"B-torn","type":"EXTRAC`); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()

	all, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ReadAll returned %d beads, want 1 (torn line skipped)", len(all))
	}
}

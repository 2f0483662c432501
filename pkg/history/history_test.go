package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyStore(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "uploads.json"), time.Hour)

	events, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list empty store: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %v", events)
	}
}

func TestEventsRetention(t *testing.T) {
	// Nested directory checks that Add creates it.
	store := NewStore(filepath.Join(t.TempDir(), "history", "uploads.json"), time.Hour)

	// 1. Add old event (should be cleaned up)
	old := Event{Name: "motion_old.jpg", Status: StatusUploaded, Timestamp: time.Now().Add(-2 * time.Hour)}
	if err := store.Add(old); err != nil {
		t.Fatalf("Failed to add old event: %v", err)
	}

	// 2. Add new event (should be kept)
	recent := Event{Name: "motion_new.jpg", Status: StatusFailed, Error: "status 500", Timestamp: time.Now()}
	if err := store.Add(recent); err != nil {
		t.Fatalf("Failed to add new event: %v", err)
	}

	// 3. Verify only the new event remains
	events, err := store.List()
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event (retention logic), got %d", len(events))
	}
	if events[0].Name != "motion_new.jpg" || events[0].Error != "status 500" {
		t.Errorf("Unexpected event %+v", events[0])
	}
}

func TestListNewestFirst(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "uploads.json"), 0)
	base := time.Now()
	for i, name := range []string{"a", "b", "c"} {
		if err := store.Add(Event{Name: name, Timestamp: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[0].Name != "c" || events[2].Name != "a" {
		t.Errorf("Expected c, b, a; got %+v", events)
	}
}

func TestCorruptedFileIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	store := NewStore(path, time.Hour)

	if events, err := store.List(); err != nil || len(events) != 0 {
		t.Fatalf("Expected empty list for corrupted file, got %v, %v", events, err)
	}
	if err := store.Add(Event{Name: "fresh", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	events, _ := store.List()
	if len(events) != 1 {
		t.Errorf("Expected 1 event after overwrite, got %d", len(events))
	}
}

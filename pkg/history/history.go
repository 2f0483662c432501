package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

// Event is one snapshot upload attempt.
type Event struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "uploaded" or "failed"
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps recent upload events in a JSON file next to the snapshots.
type Store struct {
	mu        sync.Mutex
	path      string
	retention time.Duration
	now       func() time.Time
}

// NewStore creates a store at path. Events older than retention are dropped on every Add.
func NewStore(path string, retention time.Duration) *Store {
	return &Store{
		path:      path,
		retention: retention,
		now:       time.Now,
	}
}

// ensureDir creates the directory if it doesn't exist
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0755)
}

// read must be called with mu held.
func (s *Store) read() ([]Event, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil // Return empty list if file doesn't exist
		}
		return nil, err
	}

	if len(data) == 0 {
		return []Event{}, nil
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		// If unmarshalling fails, it might be a corrupted file.
		// Return empty and let the next Add overwrite it.
		return []Event{}, nil
	}
	return events, nil
}

// List returns the recorded events, newest first.
func (s *Store) List() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.read()
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

// Add appends an event, removes expired ones, and saves to file.
func (s *Store) Add(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.read()
	if err != nil {
		return err
	}

	events = append(events, event)

	// Filter out old events
	recent := make([]Event, 0, len(events))
	cutoff := s.now().Add(-s.retention)
	for _, e := range events {
		if s.retention <= 0 || e.Timestamp.After(cutoff) {
			recent = append(recent, e)
		}
	}

	data, err := json.MarshalIndent(recent, "", "  ")
	if err != nil {
		return err
	}

	if err := ensureDir(s.path); err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0644)
}

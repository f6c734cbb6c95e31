// Package checkpoint persists crawl progress so a multi-hour run survives
// restarts. The store is a single JSON file rewritten atomically after every
// probe completion; losing at most one probe's worth of work on a crash is
// acceptable.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// schemaVersion is bumped when fields are added. Version 0 files (the legacy
// two-array layout without a version field) are still readable.
const schemaVersion = 1

type fileFormat struct {
	Version         int      `json:"version"`
	CompletedProbes []string `json:"completedProbes"`
	SeenResultIDs   []string `json:"seenResultIds"`
}

// State is the in-memory view of a loaded checkpoint.
type State struct {
	CompletedProbes map[string]struct{}
	SeenResultIDs   map[string]struct{}
}

// Clone returns an independent copy of the state, safe to persist while
// the original keeps being mutated.
func (s *State) Clone() *State {
	out := &State{
		CompletedProbes: make(map[string]struct{}, len(s.CompletedProbes)),
		SeenResultIDs:   make(map[string]struct{}, len(s.SeenResultIDs)),
	}
	for k := range s.CompletedProbes {
		out.CompletedProbes[k] = struct{}{}
	}
	for k := range s.SeenResultIDs {
		out.SeenResultIDs[k] = struct{}{}
	}
	return out
}

// Store owns the durable checkpoint file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the checkpoint file. A missing file is not an error: it yields
// empty sets so a fresh run starts from scratch.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &State{
		CompletedProbes: make(map[string]struct{}),
		SeenResultIDs:   make(map[string]struct{}),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Info().Str("path", s.path).Msg("No checkpoint file, starting fresh")
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", s.path, err)
	}

	for _, k := range ff.CompletedProbes {
		state.CompletedProbes[k] = struct{}{}
	}
	for _, id := range ff.SeenResultIDs {
		state.SeenResultIDs[id] = struct{}{}
	}

	log.Info().
		Str("path", s.path).
		Int("version", ff.Version).
		Int("completed_probes", len(state.CompletedProbes)).
		Int("seen_results", len(state.SeenResultIDs)).
		Msg("Loaded checkpoint")

	return state, nil
}

// Save writes the full checkpoint atomically: marshal to a temp file in the
// same directory, then rename over the old one.
func (s *Store) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ff := fileFormat{
		Version:         schemaVersion,
		CompletedProbes: make([]string, 0, len(state.CompletedProbes)),
		SeenResultIDs:   make([]string, 0, len(state.SeenResultIDs)),
	}
	for k := range state.CompletedProbes {
		ff.CompletedProbes = append(ff.CompletedProbes, k)
	}
	for id := range state.SeenResultIDs {
		ff.SeenResultIDs = append(ff.SeenResultIDs, id)
	}

	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	return nil
}

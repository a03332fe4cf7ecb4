package dataprep

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// DedupState is the durable set of content hashes used to suppress
// re-emission of previously seen examples, within a run and across runs
// sharing the same state file.
type DedupState struct {
	seen map[string]struct{}
}

// LoadDedupState reads a persisted hash set. A missing or corrupt state file
// starts fresh with a warning rather than failing the run.
func LoadDedupState(path string) *DedupState {
	state := &DedupState{seen: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("no dedup state found, starting fresh", "path", path)
		} else {
			slog.Warn("failed to read dedup state, starting fresh", "path", path, "error", err)
		}
		return state
	}

	var hashes []string
	if err := json.Unmarshal(data, &hashes); err != nil {
		slog.Warn("failed to parse dedup state, starting fresh", "path", path, "error", err)
		return state
	}

	for _, h := range hashes {
		state.seen[h] = struct{}{}
	}
	slog.Info("loaded dedup state", "path", path, "entries", len(state.seen))
	return state
}

// IsNew reports whether the key has not been seen before, recording it as
// seen. Membership test and insert are one unit within the single-threaded
// run.
func (s *DedupState) IsNew(key string) bool {
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *DedupState) Len() int {
	return len(s.seen)
}

// Save rewrites the full hash set, sorted for reproducible diffs. The write
// goes to a temp file renamed into place, so a crash mid-run leaves the prior
// state file intact.
func (s *DedupState) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating dedup state dir: %w", err)
	}

	hashes := make([]string, 0, len(s.seen))
	for h := range s.seen {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	data, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("marshaling dedup state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dedup_state-*")
	if err != nil {
		return fmt.Errorf("creating temp dedup state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp dedup state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp dedup state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing dedup state %s: %w", path, err)
	}

	slog.Info("saved dedup state", "path", path, "entries", len(s.seen))
	return nil
}

// jsonl.go - Append-only JSONL file cache, the default backend

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
)

// JSONLStore persists one cache entry per line. Writes are append plus
// fsync, so a crash can lose at most the line being written; a truncated
// trailing line is skipped on load instead of poisoning the whole cache.
type JSONLStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	entries map[string]*CacheEntry
}

// OpenJSONL loads the cache file at path, creating it if absent. Duplicate
// fingerprints keep the last entry written, so re-putting a fingerprint
// logically overwrites without rewriting the file.
func OpenJSONL(path string, logger *slog.Logger) (*JSONLStore, error) {
	logger = logging.WithComponent(logger, "cache")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cache file: %w", err)
	}

	store := &JSONLStore{
		path:    path,
		logger:  logger,
		file:    file,
		entries: make(map[string]*CacheEntry),
	}
	if err := store.load(); err != nil {
		file.Close()
		return nil, err
	}
	return store, nil
}

// load reads every parseable line into memory. Unparseable lines are
// counted and skipped; only the trailing line can legitimately be partial,
// so more than one skip is logged loudly.
func (s *JSONLStore) load() error {
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		if entry.Fingerprint == "" || entry.Result == nil {
			skipped++
			continue
		}
		s.entries[entry.Fingerprint] = &entry
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}

	if skipped == 1 {
		s.logger.Warn("skipped one unparseable cache line, likely a crash-truncated write", "path", s.path)
	} else if skipped > 1 {
		s.logger.Error("skipped multiple unparseable cache lines", "path", s.path, "skipped", skipped)
	}
	s.logger.Info("cache loaded", "path", s.path, "entries", len(s.entries))
	return nil
}

// Get returns the cached entry for a fingerprint, or (nil, nil) on a miss.
func (s *JSONLStore) Get(_ context.Context, fingerprint string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[fingerprint], nil
}

// Put appends the entry and syncs before acknowledging.
func (s *JSONLStore) Put(_ context.Context, entry *CacheEntry) error {
	if entry == nil || entry.Fingerprint == "" {
		return fmt.Errorf("cache entry must have a fingerprint")
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("append cache entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync cache file: %w", err)
	}
	s.entries[entry.Fingerprint] = entry
	return nil
}

// List returns all entries ordered by fingerprint.
func (s *JSONLStore) List(_ context.Context) ([]*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*CacheEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

// Clear truncates the cache by writing an empty temp file and renaming it
// over the old one, so a crash mid-clear leaves either the old or the new
// file, never a corrupt one.
func (s *JSONLStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	replacement, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create replacement cache file: %w", err)
	}
	if err := replacement.Sync(); err != nil {
		replacement.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync replacement cache file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		replacement.Close()
		os.Remove(tmp)
		return fmt.Errorf("replace cache file: %w", err)
	}

	s.file.Close()
	s.file = replacement
	s.entries = make(map[string]*CacheEntry)
	s.logger.Info("cache cleared", "path", s.path)
	return nil
}

// Close releases the underlying file handle.
func (s *JSONLStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Package filestore is the reference persistence backend: one JSON
// file per subject-keyed record plus a sidecar index file mapping
// subject IDs to last-write timestamps. The index lets expiry sweeps
// avoid scanning every record ever written. Record and index writes
// are not transactionally linked; a crash between the two leaves at
// worst an orphan, which self-heals (an index entry whose record is
// gone reads as already-deleted, an unindexed record still expires
// lazily on its own timestamp).
package filestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileStore is the machinery shared by the context and runstate
// stores: directory handling, record files, and the sidecar index.
type fileStore struct {
	dir       string
	prefix    string // record filename prefix, e.g. "context"
	indexName string // sidecar index filename
	maxAge    time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	index       map[string]int64 // subjectID -> last-write epoch-ms
	indexLoaded bool
}

func newFileStore(dir, prefix, indexName string, maxAge time.Duration, logger *slog.Logger) *fileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileStore{
		dir:       dir,
		prefix:    prefix,
		indexName: indexName,
		maxAge:    maxAge,
		logger:    logger,
		index:     make(map[string]int64),
	}
}

// init creates the directory and loads the index. Idempotent; a
// corrupted or missing index file starts empty rather than failing.
func (s *fileStore) init() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store directory %s: %w", s.dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLoaded {
		return nil
	}

	data, err := os.ReadFile(s.indexPath())
	if err == nil {
		var idx map[string]int64
		if jsonErr := json.Unmarshal(data, &idx); jsonErr == nil {
			s.index = idx
		} else {
			s.logger.Warn("index file corrupted, starting empty",
				"path", s.indexPath(), "error", jsonErr)
		}
	}
	if s.index == nil {
		s.index = make(map[string]int64)
	}
	s.indexLoaded = true
	return nil
}

func (s *fileStore) indexPath() string {
	return filepath.Join(s.dir, s.indexName)
}

func (s *fileStore) recordPath(subjectID string) string {
	return filepath.Join(s.dir, s.prefix+"-"+sanitizeID(subjectID)+".json")
}

// sanitizeID makes a subject ID safe as a filename component. IDs are
// normally "phone_+..." or "crm_<uuid>"; anything outside that
// alphabet is replaced so a hostile metadata value cannot traverse
// paths.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-' || r == '+' || r == '.':
			return r
		default:
			return '~'
		}
	}, id)
}

// writeRecord persists a marshaled record and updates the index.
// The record is written first; a crash before the index write leaves
// an unindexed record that lazy expiry will still reclaim.
func (s *fileStore) writeRecord(subjectID string, data []byte, tsMs int64) error {
	if err := s.init(); err != nil {
		return err
	}
	if err := os.WriteFile(s.recordPath(subjectID), data, 0o644); err != nil {
		return fmt.Errorf("write record for %s: %w", subjectID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[subjectID] = tsMs
	return s.flushIndexLocked()
}

// readRecord returns the raw record bytes, or ok=false when the record
// is missing or unreadable. Read-path I/O problems degrade to a miss.
func (s *fileStore) readRecord(subjectID string) ([]byte, bool) {
	data, err := os.ReadFile(s.recordPath(subjectID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("record unreadable, treating as missing",
				"subject", subjectID, "error", err)
		}
		return nil, false
	}
	return data, true
}

// remove deletes a record and its index entry. Missing records are
// not an error — remove is used by self-heal paths that may race with
// each other.
func (s *fileStore) remove(subjectID string) error {
	if err := s.init(); err != nil {
		return err
	}
	if err := os.Remove(s.recordPath(subjectID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record for %s: %w", subjectID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[subjectID]; !ok {
		return nil
	}
	delete(s.index, subjectID)
	return s.flushIndexLocked()
}

// cleanup removes every indexed record older than the cutoff and
// rewrites the surviving index once. Cost is proportional to the live
// index, not to everything ever written.
func (s *fileStore) cleanup(maxAge time.Duration) (int, error) {
	if err := s.init(); err != nil {
		return 0, err
	}
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, ts := range s.index {
		if ts >= cutoff {
			continue
		}
		if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("expired record not removed", "subject", id, "error", err)
			continue
		}
		delete(s.index, id)
		removed++
	}

	if removed > 0 {
		if err := s.flushIndexLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// expired reports whether a record timestamp is past the store's
// max-age. Used by the lazy read-time check.
func (s *fileStore) expired(tsMs int64) bool {
	if s.maxAge <= 0 {
		return false
	}
	return time.UnixMilli(tsMs).Before(time.Now().Add(-s.maxAge))
}

// flushIndexLocked writes the in-memory index to disk. Caller holds mu.
func (s *fileStore) flushIndexLocked() error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.WriteFile(s.indexPath(), data, 0o644); err != nil {
		return fmt.Errorf("write index %s: %w", s.indexPath(), err)
	}
	return nil
}

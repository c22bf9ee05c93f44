// Package metastate implements the Metadata State Store of spec §4
// (referenced from §3's MetadataStateSnapshot and §6's filesystem
// layout): a single JSON snapshot file with a schema version, a
// Read/Transform API, and corrupt-content quarantine.
package metastate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ssm/suwayomi-merge/internal/errtag"
)

const schemaVersion = 1

// Snapshot is the immutable value returned by Read and passed to
// Transform callbacks. All timestamps are unix seconds UTC on disk;
// in memory they are time.Time for caller convenience.
type Snapshot struct {
	SchemaVersion          int
	StickyFlaresolverrUntil *time.Time
	TitleCooldowns          map[string]time.Time
}

func emptySnapshot() Snapshot {
	return Snapshot{
		SchemaVersion:  schemaVersion,
		TitleCooldowns: make(map[string]time.Time),
	}
}

// clone returns a deep copy so callers can't mutate the store's
// internal state through a Read() result.
func (s Snapshot) clone() Snapshot {
	c := Snapshot{SchemaVersion: s.SchemaVersion, TitleCooldowns: make(map[string]time.Time, len(s.TitleCooldowns))}
	if s.StickyFlaresolverrUntil != nil {
		t := *s.StickyFlaresolverrUntil
		c.StickyFlaresolverrUntil = &t
	}
	for k, v := range s.TitleCooldowns {
		c.TitleCooldowns[k] = v
	}
	return c
}

// wireFormat mirrors the on-disk JSON shape described in spec §6.
type wireFormat struct {
	SchemaVersion           int            `json:"schema_version"`
	StickyFlaresolverrUntil *int64         `json:"sticky_flaresolverr_until_unix_seconds"`
	TitleCooldowns          map[string]int64 `json:"title_cooldowns_unix_seconds"`
}

func toWire(s Snapshot) wireFormat {
	w := wireFormat{
		SchemaVersion:  s.SchemaVersion,
		TitleCooldowns: make(map[string]int64, len(s.TitleCooldowns)),
	}
	if s.StickyFlaresolverrUntil != nil {
		v := s.StickyFlaresolverrUntil.Unix()
		w.StickyFlaresolverrUntil = &v
	}
	for k, v := range s.TitleCooldowns {
		w.TitleCooldowns[k] = v.Unix()
	}
	return w
}

func fromWire(w wireFormat) Snapshot {
	s := Snapshot{
		SchemaVersion:  w.SchemaVersion,
		TitleCooldowns: make(map[string]time.Time, len(w.TitleCooldowns)),
	}
	if w.StickyFlaresolverrUntil != nil {
		t := time.Unix(*w.StickyFlaresolverrUntil, 0).UTC()
		s.StickyFlaresolverrUntil = &t
	}
	for k, v := range w.TitleCooldowns {
		s.TitleCooldowns[k] = time.Unix(v, 0).UTC()
	}
	return s
}

// Store is the single-file JSON snapshot store. All access is
// serialized by mu, matching spec §5's "Transform performs
// write-temp-then-rename; on persistence failure the in-memory
// snapshot is NOT replaced" rule.
type Store struct {
	path string

	mu   sync.Mutex
	curr Snapshot
}

// Open loads path, quarantining and resetting to empty on any
// unreadable or malformed content, per spec §6/§7 (SnapshotCorrupt).
func Open(path string) (*Store, error) {
	st := &Store{path: path, curr: emptySnapshot()}
	if err := st.loadOrQuarantine(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) loadOrQuarantine() error {
	info, statErr := os.Stat(s.path)
	switch {
	case statErr == nil && info.IsDir():
		return s.quarantineDir()
	case statErr != nil && os.IsNotExist(statErr):
		s.curr = emptySnapshot()
		return nil
	case statErr != nil:
		return fmt.Errorf("stat %s: %w", s.path, errtag.IoUnavailable)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", s.path, errtag.IoUnavailable)
	}

	var w wireFormat
	if err := json.Unmarshal(data, &w); err != nil || w.SchemaVersion != schemaVersion {
		return s.quarantineFile()
	}
	s.curr = fromWire(w)
	return nil
}

// quarantineFile copies the unreadable/malformed file to "<path>.corrupt"
// and resets in-memory state to empty, per spec §6.
func (s *Store) quarantineFile() error {
	data, err := os.ReadFile(s.path)
	if err == nil {
		_ = os.WriteFile(s.path+".corrupt", data, 0o644)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing corrupt %s: %w", s.path, errtag.IoUnavailable)
	}
	s.curr = emptySnapshot()
	return nil
}

// quarantineDir moves a directory found at path to "<path>.corrupt.d",
// replacing any prior backup, then starts empty.
func (s *Store) quarantineDir() error {
	backup := s.path + ".corrupt.d"
	_ = os.RemoveAll(backup)
	if err := os.Rename(s.path, backup); err != nil {
		return fmt.Errorf("quarantining directory at %s: %w", s.path, errtag.IoUnavailable)
	}
	s.curr = emptySnapshot()
	return nil
}

// Read returns an immutable copy of the current snapshot.
func (s *Store) Read() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curr.clone()
}

// Transform applies fn to a copy of the current snapshot and persists
// the result via write-temp-then-rename. On persistence failure the
// in-memory snapshot is left unchanged and the error is returned.
func (s *Store) Transform(fn func(Snapshot) Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.curr.clone())
	next.SchemaVersion = schemaVersion

	if err := persist(s.path, next); err != nil {
		return err
	}
	s.curr = next
	return nil
}

func persist(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", errtag.IoUnavailable)
	}
	data, err := json.MarshalIndent(toWire(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, errtag.IoUnavailable)
	}
	return nil
}

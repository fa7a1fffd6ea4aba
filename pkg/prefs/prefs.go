// Package prefs is the durable key/value store for small typed values that
// must survive power loss: the boot record and the source preference. Writes
// are committed to stable storage before Set returns.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/glowdeck/glowdeck/pkg/types"
)

const (
	keyBootRecord       = "boot_record"
	keySourcePreference = "source_preference"
)

// Store persists values as a single JSON document, replaced atomically on
// every commit. Single writer at a time.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// Open loads the store at path, creating the parent directory if needed.
// A missing file yields an empty store; a corrupt file is replaced on the
// next commit rather than failing startup.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	s := &Store{path: path, data: map[string]json.RawMessage{}}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		log.Warnf("Preference store %s is corrupt, starting empty: %v", path, err)
		s.data = map[string]json.RawMessage{}
	}
	return s, nil
}

// Get unmarshals the value stored under key into v. The bool reports whether
// the key was present.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key and commits the whole document durably before
// returning. The temp-write + rename keeps the previous document intact if
// the commit fails partway.
func (s *Store) Set(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	prev, had := s.data[key]
	s.data[key] = raw
	if err := s.commitLocked(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

func (s *Store) commitLocked() error {
	doc, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if _, err := f.Write(doc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", s.path, err)
	}
	return syncDir(filepath.Dir(s.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	// Rename durability needs the directory entry flushed too. Best effort on
	// filesystems that reject directory fsync.
	d.Sync()
	return nil
}

// BootRecord returns the persisted boot record. A fresh device reports a
// record booting and confirmed on slot A with no pending verification.
func (s *Store) BootRecord() (types.BootRecord, error) {
	rec := defaultBootRecord()
	if _, err := s.Get(keyBootRecord, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func defaultBootRecord() types.BootRecord {
	return types.BootRecord{Booting: types.SlotA, Confirmed: types.SlotA}
}

// UpdateBootRecord applies mutate to the current record and commits the
// result inside one critical section, so two writers can never interleave a
// stale read with a wholesale write. mutate returning false leaves the stored
// record untouched. The returned record is the mutated view; the bool reports
// whether it was committed.
func (s *Store) UpdateBootRecord(mutate func(*types.BootRecord) bool) (types.BootRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := defaultBootRecord()
	if raw, ok := s.data[keyBootRecord]; ok {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return rec, false, fmt.Errorf("decode %s: %w", keyBootRecord, err)
		}
	}
	if !mutate(&rec) {
		return rec, false, nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, false, fmt.Errorf("encode %s: %w", keyBootRecord, err)
	}
	prev, had := s.data[keyBootRecord]
	s.data[keyBootRecord] = raw
	if err := s.commitLocked(); err != nil {
		if had {
			s.data[keyBootRecord] = prev
		} else {
			delete(s.data, keyBootRecord)
		}
		return rec, false, err
	}
	return rec, true, nil
}

// SetBootRecord commits rec durably.
func (s *Store) SetBootRecord(rec types.BootRecord) error {
	return s.Set(keyBootRecord, rec)
}

// SourcePreference returns the persisted source preference, which may be
// empty when the operator never chose one.
func (s *Store) SourcePreference() (types.SourcePreference, error) {
	var pref types.SourcePreference
	if _, err := s.Get(keySourcePreference, &pref); err != nil {
		return pref, err
	}
	return pref, nil
}

// SetSourcePreference commits pref durably.
func (s *Store) SetSourcePreference(pref types.SourcePreference) error {
	return s.Set(keySourcePreference, pref)
}

// Package credstore owns the on-disk credential file: the JSON array of
// OAuth2 refresh-token accounts this proxy rotates across. It is the only
// component that touches the file; every other package works off snapshots
// handed out by the scheduler.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"cloudrelay/internal/idgen"
)

// Credential is one persisted OAuth2 refresh-token account.
type Credential struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Timestamp    int64  `json:"timestamp"`
	Enable       bool   `json:"enable"`
	ProjectID    string `json:"project_id"`
	Remark       string `json:"remark,omitempty"`

	// SessionID is assigned fresh on every load and must never reach disk.
	SessionID int64 `json:"-"`
}

// Clone returns a shallow copy safe to hand to callers.
func (c Credential) Clone() Credential {
	return c
}

// Store durably persists the credential list in a single JSON file. Writes
// are serialized through writeMu; reads bypass it, matching the spec's
// "reads may bypass the lock" rule.
type Store struct {
	path string
	log  *zap.Logger

	writeMu sync.Mutex

	mu  sync.RWMutex
	all []Credential // full list, including disabled, in file order
}

// New constructs a Store bound to path. It does not load from disk; call
// Load explicitly.
func New(path string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{path: path, log: log}
}

// Load reads the file, assigns any missing project_id (persisting those
// assignments), and returns the enabled subset, each with a freshly
// generated in-memory session_id. A missing or unparsable file yields an
// empty enabled set rather than an error, per the spec's failure mode.
func (s *Store) Load() []Credential {
	all, err := s.readFile()
	if err != nil {
		s.log.Warn("credential file missing or unparsable, starting with no credentials",
			zap.String("path", s.path), zap.Error(err))
		s.mu.Lock()
		s.all = nil
		s.mu.Unlock()
		return nil
	}

	assigned := false
	for i := range all {
		if all[i].ProjectID == "" {
			all[i].ProjectID = idgen.NewProjectID()
			assigned = true
		}
	}

	if assigned {
		s.writeMu.Lock()
		if err := s.writeFile(all); err != nil {
			s.log.Error("failed to persist newly assigned project ids", zap.Error(err))
		}
		s.writeMu.Unlock()
	}

	s.mu.Lock()
	s.all = all
	s.mu.Unlock()

	return s.enabledSnapshot(all)
}

// Reload re-derives the enabled subset from the in-memory full list without
// touching disk, used after disable() has already written through.
func (s *Store) Reload() []Credential {
	s.mu.RLock()
	all := s.all
	s.mu.RUnlock()
	return s.enabledSnapshot(all)
}

func (s *Store) enabledSnapshot(all []Credential) []Credential {
	enabled := make([]Credential, 0, len(all))
	for _, c := range all {
		if !c.Enable {
			continue
		}
		c.SessionID = idgen.NewSessionID()
		enabled = append(enabled, c)
	}
	return enabled
}

// SaveAll overlays updated records by refresh_token match and writes the
// full list back to disk. session_id is stripped by construction since
// Credential's json tag already excludes it.
func (s *Store) SaveAll(updates []Credential) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	all, err := s.readFile()
	if err != nil {
		all = nil
	}

	byToken := make(map[string]int, len(all))
	for i, c := range all {
		byToken[c.RefreshToken] = i
	}

	for _, u := range updates {
		if idx, ok := byToken[u.RefreshToken]; ok {
			all[idx] = u
		} else {
			all = append(all, u)
			byToken[u.RefreshToken] = len(all) - 1
		}
	}

	if err := s.writeFile(all); err != nil {
		return err
	}

	s.mu.Lock()
	s.all = all
	s.mu.Unlock()
	return nil
}

// Disable sets enable=false for the credential matching refreshToken,
// persists it, and returns the refreshed enabled set. Persistence is
// awaited before returning, per the spec's Open Question resolution:
// a disabled credential must never be reselected in the window between
// the call and disk durability.
func (s *Store) Disable(refreshToken string) []Credential {
	s.writeMu.Lock()

	all, err := s.readFile()
	if err != nil {
		all = nil
	}
	for i := range all {
		if all[i].RefreshToken == refreshToken {
			all[i].Enable = false
		}
	}
	writeErr := s.writeFile(all)
	if writeErr == nil {
		s.mu.Lock()
		s.all = all
		s.mu.Unlock()
	}
	s.writeMu.Unlock()

	if writeErr != nil {
		s.log.Error("failed to persist credential disable", zap.Error(writeErr))
	}

	return s.Reload()
}

// UpdateRemark updates the remark field by index in the full (including
// disabled) list.
func (s *Store) UpdateRemark(index int, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	all, err := s.readFile()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(all) {
		return fmt.Errorf("credstore: index %d out of range (have %d credentials)", index, len(all))
	}
	all[index].Remark = text

	if err := s.writeFile(all); err != nil {
		return err
	}

	s.mu.Lock()
	s.all = all
	s.mu.Unlock()
	return nil
}

// All returns a copy of the full (including disabled) in-memory list, in
// file order.
func (s *Store) All() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, len(s.all))
	copy(out, s.all)
	return out
}

func (s *Store) readFile() ([]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var all []Credential
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *Store) writeFile(all []Credential) error {
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("credstore: creating directory %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshaling credentials: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("credstore: writing %s: %w", s.path, err)
	}
	return nil
}

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"
)

// Environment is the persisted metadata for one dev environment. The core
// loops treat it as read-only input; only the create/delete flow mutates it.
type Environment struct {
	ContainerID string   `json:"container_id"`
	Port        int      `json:"port"`
	Created     string   `json:"created"`
	Project     string   `json:"project"`
	Mode        string   `json:"mode"`
	DisplayName string   `json:"display_name"`
	GitURL      string   `json:"git_url,omitempty"`
	ParentID    string   `json:"parent_env_id,omitempty"`
	Children    []string `json:"children"`
	Status      string   `json:"status,omitempty"`
}

// Registry maps environment id to its metadata.
type Registry map[string]Environment

// Store persists the registry as a JSON file with atomic replace-on-save.
type Store struct {
	mu       sync.Mutex
	path     string
	basePort int
	logger   *slog.Logger
	onSave   func()
	lastSave time.Time
}

// NewStore creates a registry store backed by the given file path.
func NewStore(path string, basePort int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{path: path, basePort: basePort, logger: logger.With("component", "registry")}
}

// OnSave registers a hook invoked after every successful save. Used to
// broadcast registry-update events without coupling the store to transport.
func (s *Store) OnSave(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSave = hook
}

// Load reads the registry file. A missing file yields an empty registry.
func (s *Store) Load() (Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Registry{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	reg := Registry{}
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return reg, nil
}

// Save writes the registry atomically and fires the save hook.
func (s *Store) Save(reg Registry) error {
	s.mu.Lock()
	hook := s.onSave
	err := s.saveLocked(reg)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (s *Store) saveLocked(reg Registry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	s.lastSave = time.Now()
	s.logger.Debug("registry saved", "path", s.path, "entries", len(reg))
	return nil
}

// Mutate loads the registry, applies fn, and saves the result under one lock
// so concurrent HTTP handlers cannot interleave read-modify-write cycles.
func (s *Store) Mutate(fn func(Registry) error) error {
	s.mu.Lock()
	reg, err := s.loadLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := fn(reg); err != nil {
		s.mu.Unlock()
		return err
	}
	hook := s.onSave
	err = s.saveLocked(reg)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

// NextPort returns the lowest port at or above the base port that no
// registered environment is using.
func (s *Store) NextPort() (int, error) {
	reg, err := s.Load()
	if err != nil {
		return 0, err
	}
	used := make(map[int]struct{}, len(reg))
	for _, env := range reg {
		used[env.Port] = struct{}{}
	}
	port := s.basePort
	for {
		if _, taken := used[port]; !taken {
			return port, nil
		}
		port++
	}
}

func (s *Store) sinceLastSave() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSave.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(s.lastSave)
}

package permissions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// allowEntry is one persisted grant: a tool permanently approved for one
// repository. Paths are absolute so the same tool can be trusted in one
// checkout and prompted for in another.
type allowEntry struct {
	Repo string `json:"repo"`
	Tool string `json:"tool"`
}

type storeFile struct {
	Allow []allowEntry `json:"allow"`
}

// Store is the durable allowlist behind the "always allow" prompt choice.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[allowEntry]struct{}
}

// OpenStore loads the allowlist at path, treating a missing file as empty.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		entries: make(map[allowEntry]struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read permission store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse permission store %s: %w", path, err)
	}
	for _, e := range f.Allow {
		s.entries[e] = struct{}{}
	}
	return s, nil
}

// Allowed reports whether tool has a standing grant for repo.
func (s *Store) Allowed(repo, tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[allowEntry{Repo: repo, Tool: tool}]
	return ok
}

// Allow records a standing grant and persists it immediately.
func (s *Store) Allow(repo, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := allowEntry{Repo: repo, Tool: tool}
	if _, ok := s.entries[e]; ok {
		return nil
	}
	s.entries[e] = struct{}{}
	return s.save()
}

// Revoke removes a standing grant if present.
func (s *Store) Revoke(repo, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := allowEntry{Repo: repo, Tool: tool}
	if _, ok := s.entries[e]; !ok {
		return nil
	}
	delete(s.entries, e)
	return s.save()
}

// Grants returns the persisted entries for repo, for display.
func (s *Store) Grants(repo string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tools []string
	for e := range s.entries {
		if e.Repo == repo {
			tools = append(tools, e.Tool)
		}
	}
	return tools
}

// save writes the store atomically. Caller holds the lock.
func (s *Store) save() error {
	f := storeFile{Allow: make([]allowEntry, 0, len(s.entries))}
	for e := range s.entries {
		f.Allow = append(f.Allow, e)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create permission store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write permission store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

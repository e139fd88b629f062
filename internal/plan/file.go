package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoPlan is returned by Load when no plan file exists yet.
var ErrNoPlan = errors.New("no active plan")

// FileStore persists one TaskPlan as a canonical JSON file plus a Markdown
// mirror with the same base name. Writes are atomic (temp file + rename) and
// serialised by a file-level mutex.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// MarkdownPath is the JSON path with its extension swapped for .md.
func (s *FileStore) MarkdownPath() string {
	return strings.TrimSuffix(s.path, filepath.Ext(s.path)) + ".md"
}

// Load reads the canonical JSON file. A missing file is ErrNoPlan.
func (s *FileStore) Load() (*TaskPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNoPlan
	}
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var p TaskPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", s.path, err)
	}
	return &p, nil
}

// Save stamps UpdatedAt and writes both files. The JSON file is the source
// of truth and is written first.
func (s *FileStore) Save(p *TaskPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return fmt.Errorf("write plan file: %w", err)
	}
	if err := writeAtomic(s.MarkdownPath(), []byte(renderMarkdown(p))); err != nil {
		return fmt.Errorf("write plan markdown: %w", err)
	}
	return nil
}

// Remove deletes both files. Missing files are not an error.
func (s *FileStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.path, s.MarkdownPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func renderMarkdown(p *TaskPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task Plan\n\n")
	fmt.Fprintf(&b, "**Request:** %s\n\n", p.OriginalRequest)
	if p.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", p.Summary)
	}
	fmt.Fprintf(&b, "**Recommended agents:** %d\n\n", p.RecommendedAgentCount)

	fmt.Fprintf(&b, "## Subtasks\n\n")
	for _, st := range p.Subtasks {
		mark := " "
		if st.Status == StatusCompleted {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] `%s` **%s** (%s, ~%dm) · %s\n",
			mark, st.ID, st.Title, st.Type, st.EstimatedMinutes, st.Status)
		if len(st.Dependencies) > 0 {
			fmt.Fprintf(&b, "  - depends on: %s\n", strings.Join(st.Dependencies, ", "))
		}
		if st.ResultSummary != "" {
			fmt.Fprintf(&b, "  - result: %s\n", firstLine(st.ResultSummary))
		}
		if st.Error != "" {
			fmt.Fprintf(&b, "  - error: %s\n", firstLine(st.Error))
		}
	}

	if p.RiskAssessment != "" {
		fmt.Fprintf(&b, "\n## Risks\n\n%s\n", p.RiskAssessment)
	}
	fmt.Fprintf(&b, "\n_Updated %s_\n", p.UpdatedAt.Format(time.RFC3339))
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package file persists session records as JSON Lines, one file per session.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coveyhq/covey/internal/store"
)

// Log is the default session log: {dir}/{key}.jsonl, one record per line.
type Log struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	return &Log{dir: dir, files: make(map[string]*os.File)}, nil
}

func (l *Log) Append(ctx context.Context, key string, rec store.Record) error {
	data, err := json.Marshal(store.Clamp(rec))
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.file(key)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append session record: %w", err)
	}
	return nil
}

func (l *Log) Replay(ctx context.Context, key string) ([]store.Record, error) {
	path := l.path(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var records []store.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec store.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("session log %s line %d: %w", filepath.Base(path), line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return records, nil
}

func (l *Log) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, unescapeKey(strings.TrimSuffix(name, ".jsonl")))
	}
	return keys, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = make(map[string]*os.File)
	return firstErr
}

// file returns the open append handle for key, opening it on first use.
// Caller holds the lock.
func (l *Log) file(key string) (*os.File, error) {
	if f, ok := l.files[key]; ok {
		return f, nil
	}
	f, err := os.OpenFile(l.path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	l.files[key] = f
	return f, nil
}

func (l *Log) path(key string) string {
	return filepath.Join(l.dir, escapeKey(key)+".jsonl")
}

// Session keys contain colons; keep filenames portable.
func escapeKey(key string) string    { return strings.ReplaceAll(key, ":", "__") }
func unescapeKey(name string) string { return strings.ReplaceAll(name, "__", ":") }

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File is a Table stored as one pretty-printed JSON object on disk.
type File struct {
	path string
	mu   sync.Mutex
	// stamp of the document as last written by this File.
	written fileStamp
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(info fs.FileInfo) fileStamp {
	return fileStamp{modTime: info.ModTime(), size: info.Size()}
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Load returns an empty table when the file does not exist yet.
func (f *File) Load(_ context.Context) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// MergeSave re-reads the current document, overlays entries and replaces the file
// through a temp file + rename so readers never see a partial write.
func (f *File) MergeSave(_ context.Context, entries map[string]json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	merged, err := f.read()
	if err != nil {
		return err
	}
	for k, v := range entries {
		merged[k] = v
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	if info, err := os.Stat(f.path); err == nil {
		f.written = stampOf(info)
	}
	return nil
}

// ChangedSinceWrite reports whether the document on disk differs from the last
// version this File wrote. It is true before the first write.
func (f *File) ChangedSinceWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := os.Stat(f.path)
	if err != nil {
		return true
	}
	return stampOf(info) != f.written
}

// read must be called with mu held.
func (f *File) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	entries := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	// A literal null document decodes to a nil map.
	if entries == nil {
		entries = make(map[string]json.RawMessage)
	}
	return entries, nil
}

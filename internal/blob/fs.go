// Package blob stores executor artifacts and hands out opaque handles for them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Scheme prefixes every handle returned by FS.
const Scheme = "blob://"

// ErrNotFound is returned by Get for a handle with no stored artifact.
var ErrNotFound = errors.New("blob not found")

// FS keeps artifacts under a root directory, one file per task artifact.
// Writes go through a temp file and rename, so a reader never sees a
// partial artifact and rewriting the same key is idempotent.
type FS struct {
	root string
}

// NewFS creates root if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FS{root: root}, nil
}

// Put stores data for taskID under name and returns its handle.
func (s *FS) Put(ctx context.Context, taskID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(taskID + "/" + name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("blob put %s: %w", key, err)
	}
	return Scheme + key, nil
}

// Get returns the artifact behind handle.
func (s *FS) Get(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, ok := strings.CutPrefix(handle, Scheme)
	if !ok {
		return nil, fmt.Errorf("blob get %q: not a %s handle", handle, Scheme)
	}
	key, err := cleanKey(raw)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("blob get %s: %w", key, err)
	}
	return data, nil
}

// Ping checks that the root is still a writable directory.
func (s *FS) Ping(context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("blob root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob root %s is not a directory", s.root)
	}
	return nil
}

// cleanKey rejects keys that would escape the root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid blob key %q", key)
		}
	}
	return key, nil
}

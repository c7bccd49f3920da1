// Package disk implements store.Store on the local filesystem. Every
// snapshot is one JSON file; writes go through a temp file in the same
// directory followed by an atomic rename so a crash never leaves a torn
// snapshot behind.
package disk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pkt.systems/patchd/internal/store"
	"pkt.systems/patchd/internal/uuidv7"
)

const snapshotExt = ".json"

// Store persists snapshots under a root directory.
type Store struct {
	root string
}

// New creates the root directory when missing and returns the store.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("disk: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Load returns the snapshot stored under key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	doc, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("disk: read %s: %w", key, err)
	}
	return doc, nil
}

// Save writes doc under key via temp-file rename.
func (s *Store) Save(_ context.Context, key string, doc []byte) error {
	target := s.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: create dir for %s: %w", key, err)
	}
	tmp := filepath.Join(dir, "."+uuidv7.NewString()+".tmp")
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return fmt.Errorf("disk: write temp for %s: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("disk: rename %s: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot under key; missing files are a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove %s: %w", key, err)
	}
	return nil
}

// List walks the root and returns the sorted keys under prefix.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, snapshotExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key, err := decodeKey(strings.TrimSuffix(filepath.ToSlash(rel), snapshotExt))
		if err != nil {
			// Foreign files under the root are ignored.
			return nil
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close satisfies store.Store.
func (s *Store) Close() error {
	return nil
}

// path maps a snapshot key onto the filesystem. Each key segment is escaped
// individually so title and version strings cannot climb out of the root.
func (s *Store) path(key string) string {
	segments := strings.Split(key, "/")
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		e := url.PathEscape(seg)
		// PathEscape leaves dots alone; encode them so "." and ".." can
		// never be interpreted by the filesystem.
		e = strings.ReplaceAll(e, ".", "%2E")
		escaped[i] = e
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.Join(escaped, "/"))+snapshotExt)
}

func decodeKey(escaped string) (string, error) {
	segments := strings.Split(escaped, "/")
	decoded := make([]string, len(segments))
	for i, seg := range segments {
		d, err := url.PathUnescape(seg)
		if err != nil {
			return "", err
		}
		decoded[i] = d
	}
	return strings.Join(decoded, "/"), nil
}

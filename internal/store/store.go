// Package store defines the persistence collaborator: a durable key-value
// store of JSON snapshots, keyed by title and by title+version. The lifecycle
// engine treats it as opaque; backends live in subpackages and are selected
// by URL scheme at server start.
package store

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested snapshot does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists JSON snapshot documents. Delete is idempotent; deleting a
// missing key is not an error, which keeps downstream teardown re-runnable.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, doc []byte) error
	Delete(ctx context.Context, key string) error
	// List returns the sorted keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// TitleKey returns the snapshot key for a title's own attributes.
func TitleKey(title string) string {
	return "titles/" + title
}

// VersionKey returns the snapshot key for one version of a title.
func VersionKey(title, version string) string {
	return "titles/" + title + "/versions/" + version
}

// VersionPrefix returns the key prefix covering every version of a title.
func VersionPrefix(title string) string {
	return "titles/" + title + "/versions/"
}

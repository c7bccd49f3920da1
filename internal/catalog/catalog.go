// Package catalog talks to the external patch-catalog editor. The lifecycle
// engine only depends on the narrow Client contract; the HTTP implementation
// lives alongside it. The catalog is the canonical source of patch metadata
// and is consumed asynchronously by the deployment server, which is why
// Visible exists as a reconciler predicate.
package catalog

import "context"

// Title is the catalog-side representation of a managed title.
type Title struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	DisplayName     string `json:"display_name,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	DetectionScript string `json:"detection_script,omitempty"`
}

// Version is the catalog-side representation of one version entry.
type Version struct {
	ID      string `json:"id,omitempty"`
	TitleID string `json:"title_id"`
	Version string `json:"version"`
	// Enabled gates whether the entry is published to downstream consumers.
	Enabled bool `json:"enabled"`
}

// ExtensionAttribute is the script-based detection requirement attached to a
// title. The deployment server must re-accept the script after every change.
type ExtensionAttribute struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Script string `json:"script"`
}

// Client is the narrow contract the lifecycle engine needs from the catalog
// editor.
type Client interface {
	CreateTitle(ctx context.Context, t Title) (id string, err error)
	UpdateTitle(ctx context.Context, id string, t Title) error
	DeleteTitle(ctx context.Context, id string) error

	CreateExtensionAttribute(ctx context.Context, ea ExtensionAttribute) (id string, err error)
	UpdateExtensionAttribute(ctx context.Context, id string, ea ExtensionAttribute) error
	DeleteExtensionAttribute(ctx context.Context, id string) error

	CreateVersion(ctx context.Context, v Version) (id string, err error)
	UpdateVersion(ctx context.Context, id string, v Version) error
	DeleteVersion(ctx context.Context, id string) error

	// Visible reports whether the version entry has propagated far enough
	// to be served to the deployment server. Reconciler predicate; always
	// answered from live catalog state.
	Visible(ctx context.Context, versionID string) (bool, error)
}

// Package deploy talks to the external device-management server that turns
// catalog entries into installable packages and policies on managed
// endpoints. The lifecycle engine depends only on the Client contract; the
// HTTP implementation lives alongside it. NeedsAcceptance and
// PackageAvailable exist as reconciler predicates because the deployment
// server acknowledges changes with an unspecified, sometimes multi-minute
// delay.
package deploy

import "context"

// Package is a deployable package object.
type Package struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Group is a device group used to scope policy targets.
type Group struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	// Pilot marks the restricted canary group for un-released versions.
	Pilot bool `json:"pilot,omitempty"`
}

// Policy installs a package onto the devices a group selects.
type Policy struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	PackageID string `json:"package_id,omitempty"`
	// GroupID scopes the policy; empty with AllTargets set means every
	// eligible device.
	GroupID    string `json:"group_id,omitempty"`
	AllTargets bool   `json:"all_targets,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// Client is the narrow contract the lifecycle engine needs from the
// deployment server.
type Client interface {
	CreatePackage(ctx context.Context, p Package) (id string, err error)
	DeletePackage(ctx context.Context, id string) error
	// PackageAvailable reports whether an uploaded package has finished
	// propagating to distribution infrastructure. Reconciler predicate.
	PackageAvailable(ctx context.Context, id string) (bool, error)

	CreateGroup(ctx context.Context, g Group) (id string, err error)
	DeleteGroup(ctx context.Context, id string) error

	CreatePolicy(ctx context.Context, p Policy) (id string, err error)
	UpdatePolicy(ctx context.Context, id string, p Policy) error
	DeletePolicy(ctx context.Context, id string) error

	// NeedsAcceptance reports whether the server flags the script-based
	// detection attribute as awaiting re-acceptance. Reconciler predicate.
	NeedsAcceptance(ctx context.Context, extensionAttributeID string) (bool, error)
	// AcceptExtensionAttribute approves the flagged detection script.
	AcceptExtensionAttribute(ctx context.Context, extensionAttributeID string) error
}

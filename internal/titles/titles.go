// Package titles implements the operator-facing lifecycle operations. Every
// mutating operation follows the same shape: acquire the entity lease, drive
// the version state machine, persist the new snapshots, spawn the background
// reconciliation the transition requires, release the lease. Synchronous
// validation and conflict errors abort the request; failures inside background
// reconciliation only ever alert.
package titles

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/catalog"
	"pkt.systems/patchd/internal/clock"
	"pkt.systems/patchd/internal/deploy"
	"pkt.systems/patchd/internal/lease"
	"pkt.systems/patchd/internal/lifecycle"
	"pkt.systems/patchd/internal/progress"
	"pkt.systems/patchd/internal/reconcile"
	"pkt.systems/patchd/internal/store"
	"pkt.systems/patchd/internal/svcfields"
)

var (
	// ErrTitleNotFound indicates the named title does not exist.
	ErrTitleNotFound = errors.New("titles: title not found")
	// ErrTitleExists indicates a create collided with an existing title.
	ErrTitleExists = errors.New("titles: title already exists")
	// ErrTitleNotEmpty rejects deleting a title that still owns versions.
	ErrTitleNotEmpty = errors.New("titles: title still has versions")
	// ErrVersionNotFound indicates the named version does not exist.
	ErrVersionNotFound = errors.New("titles: version not found")
	// ErrVersionExists indicates an add collided with an existing version.
	ErrVersionExists = errors.New("titles: version already exists")
	// ErrNoPackage rejects package-scoped operations on a version that has
	// not been assigned a package yet.
	ErrNoPackage = errors.New("titles: version has no package assigned")
	// ErrInvalidRequest flags synchronous validation failures.
	ErrInvalidRequest = errors.New("titles: invalid request")
)

// Reconciler purposes. Together with the entity key they dedupe concurrent
// background waits.
const (
	purposeDeployVisibility   = "deploy_visibility"
	purposeScriptAcceptance   = "script_acceptance"
	purposePackagePropagation = "package_propagation"
)

// Config assembles a Service. Store, Catalog and Deploy are required.
type Config struct {
	Store   store.Store
	Catalog catalog.Client
	Deploy  deploy.Client

	// Leases defaults to a fresh manager with default TTL and poll.
	Leases *lease.Manager
	// Runner defaults to a fresh reconcile runner.
	Runner *reconcile.Runner

	// Alerter receives escalations from reporters the service creates itself
	// (background reconciliation without an attached request).
	Alerter progress.Alerter
	Clock   clock.Clock
	Logger  pslog.Logger

	// ReconcilePoll and ReconcileMaxWait tune the background waits. Zero
	// values fall back to the reconcile package defaults.
	ReconcilePoll    time.Duration
	ReconcileMaxWait time.Duration
}

// Service owns the title and version lifecycle.
type Service struct {
	store   store.Store
	catalog catalog.Client
	deploy  deploy.Client
	leases  *lease.Manager
	runner  *reconcile.Runner
	alerter progress.Alerter
	clock   clock.Clock
	logger  pslog.Logger

	reconcilePoll    time.Duration
	reconcileMaxWait time.Duration
}

// NewService constructs a Service according to cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("titles: store is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("titles: catalog client is required")
	}
	if cfg.Deploy == nil {
		return nil, fmt.Errorf("titles: deploy client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Leases == nil {
		cfg.Leases = lease.NewManager(lease.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Runner == nil {
		cfg.Runner = reconcile.NewRunner(reconcile.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.ReconcilePoll <= 0 {
		cfg.ReconcilePoll = reconcile.DefaultPollInterval
	}
	if cfg.ReconcileMaxWait <= 0 {
		cfg.ReconcileMaxWait = reconcile.DefaultMaxWait
	}
	return &Service{
		store:            cfg.Store,
		catalog:          cfg.Catalog,
		deploy:           cfg.Deploy,
		leases:           cfg.Leases,
		runner:           cfg.Runner,
		alerter:          cfg.Alerter,
		clock:            cfg.Clock,
		logger:           svcfields.WithSubsystem(cfg.Logger, "titles"),
		reconcilePoll:    cfg.ReconcilePoll,
		reconcileMaxWait: cfg.ReconcileMaxWait,
	}, nil
}

// Leases exposes the lease manager so the server can run the expiry sweeper.
func (s *Service) Leases() *lease.Manager {
	return s.leases
}

// Reconciler exposes the background task runner, used by tests and by the
// server for a drained shutdown.
func (s *Service) Reconciler() *reconcile.Runner {
	return s.runner
}

func (s *Service) reporter(rep *progress.Reporter, operationID string) *progress.Reporter {
	if rep != nil {
		return rep
	}
	return progress.New(progress.Config{
		OperationID: operationID,
		Logger:      s.logger,
		Alerter:     s.alerter,
		Clock:       s.clock,
	})
}

func validName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRequest)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: name %q contains reserved characters", ErrInvalidRequest, name)
	}
	return nil
}

func removeFromOrder(order []string, version string) []string {
	out := order[:0]
	for _, v := range order {
		if v != version {
			out = append(out, v)
		}
	}
	return out
}

func packageName(title, version, requested string) string {
	if requested != "" {
		return requested
	}
	return title + "-" + version + ".pkg"
}

func pilotGroupName(title, version string) string {
	return title + " " + version + " pilot"
}

func pilotPolicyName(title, version string) string {
	return title + " " + version + " install"
}

func reinstallPolicyName(title, version string) string {
	return title + " " + version + " reinstall"
}

func titlePolicyName(title string) string {
	return title + " current release"
}

func statusOf(v api.Version) lifecycle.Status {
	st, _ := lifecycle.ParseStatus(v.Status)
	return st
}

// pilotPolicySpec renders the install policy a version should carry in its
// current state: group-scoped while un-released, widened to all targets when
// released, disabled once superseded.
func pilotPolicySpec(v api.Version) deploy.Policy {
	p := deploy.Policy{
		Name:      pilotPolicyName(v.Title, v.Version),
		PackageID: v.PackageID,
		Enabled:   true,
	}
	switch statusOf(v) {
	case lifecycle.StatusReleased:
		p.AllTargets = true
	case lifecycle.StatusPending, lifecycle.StatusPilot:
		p.GroupID = v.PilotGroupID
	default:
		p.GroupID = v.PilotGroupID
		p.Enabled = false
	}
	return p
}

func reinstallPolicySpec(v api.Version, enabled bool) deploy.Policy {
	return deploy.Policy{
		Name:       reinstallPolicyName(v.Title, v.Version),
		PackageID:  v.PackageID,
		AllTargets: true,
		Enabled:    enabled,
	}
}

func titlePolicySpec(title string, v api.Version) deploy.Policy {
	return deploy.Policy{
		Name:       titlePolicyName(title),
		PackageID:  v.PackageID,
		AllTargets: true,
		Enabled:    v.PackageID != "",
	}
}

package titles

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/catalog"
	"pkt.systems/patchd/internal/deploy"
	"pkt.systems/patchd/internal/lease"
	"pkt.systems/patchd/internal/lifecycle"
	"pkt.systems/patchd/internal/progress"
	"pkt.systems/patchd/internal/store"
)

// AddVersion creates a catalog entry for the new version, persists it as
// pending, supersedes every older un-released version to skipped, and spawns
// the visibility reconciler that will build the pilot deployment and promote
// the version once the deployment server can see the catalog entry.
func (s *Service) AddVersion(ctx context.Context, title string, req api.AddVersionRequest, rep *progress.Reporter) (api.Version, error) {
	if err := validName(req.Version); err != nil {
		return api.Version{}, err
	}
	rep = s.reporter(rep, xid.New().String())

	key := lease.TitleKey(title)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return api.Version{}, err
	}
	defer s.leases.Release(key)

	t, err := s.loadTitle(ctx, title)
	if err != nil {
		return api.Version{}, err
	}
	for _, existing := range t.VersionOrder {
		if existing == req.Version {
			return api.Version{}, fmt.Errorf("%w: %s@%s", ErrVersionExists, title, req.Version)
		}
	}

	rep.Progressf("%s@%s: creating catalog entry", title, req.Version)
	catalogVersionID, err := s.catalog.CreateVersion(ctx, catalog.Version{
		TitleID: t.CatalogTitleID,
		Version: req.Version,
		Enabled: true,
	})
	if err != nil {
		return api.Version{}, fmt.Errorf("titles: create catalog entry %s@%s: %w", title, req.Version, err)
	}

	now := s.clock.Now().Unix()
	v := api.Version{
		Title:            title,
		Version:          req.Version,
		Status:           string(lifecycle.StatusPending),
		CatalogVersionID: catalogVersionID,
		CreatedAt:        now,
		CreatedBy:        req.Actor,
		ModifiedAt:       now,
		ModifiedBy:       req.Actor,
	}

	// A newer version supersedes everything that never shipped.
	for _, name := range t.VersionOrder {
		prev, err := s.loadVersion(ctx, title, name)
		if err != nil {
			return api.Version{}, err
		}
		tr, err := lifecycle.Skip(statusOf(prev))
		if err != nil {
			continue
		}
		if err := s.applyTransition(ctx, &t, &prev, tr, rep); err != nil {
			return api.Version{}, err
		}
	}

	t.VersionOrder = append([]string{req.Version}, t.VersionOrder...)
	s.touchTitle(&t, req.Actor)
	if err := s.saveVersion(ctx, v); err != nil {
		return api.Version{}, err
	}
	if err := s.saveTitle(ctx, t); err != nil {
		return api.Version{}, err
	}

	rep.Logf(progress.LevelInfo, "%s@%s: created pending, waiting for deployment-server visibility", title, req.Version)
	s.spawnDeployVisibility(v, req.PackageName, rep)
	return v, nil
}

// ReleaseVersion promotes the named version to released: the previously
// released version (if any) is demoted and narrowed, the new version's scope
// is widened to all eligible targets, the title-level install policy is
// re-pointed, and the re-install policy is enabled once the package has
// propagated.
func (s *Service) ReleaseVersion(ctx context.Context, title, version string, req api.ReleaseVersionRequest, rep *progress.Reporter) (api.Version, error) {
	rep = s.reporter(rep, xid.New().String())

	key := lease.TitleKey(title)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return api.Version{}, err
	}
	defer s.leases.Release(key)

	t, err := s.loadTitle(ctx, title)
	if err != nil {
		return api.Version{}, err
	}
	v, err := s.loadVersion(ctx, title, version)
	if err != nil {
		return api.Version{}, err
	}
	tr, err := lifecycle.Release(statusOf(v))
	if err != nil {
		return api.Version{}, err
	}

	// Demote whatever is currently released before the new version takes
	// over, so the single-release invariant holds at every persisted state.
	for _, name := range t.VersionOrder {
		if name == version {
			continue
		}
		prev, err := s.loadVersion(ctx, title, name)
		if err != nil {
			return api.Version{}, err
		}
		if statusOf(prev) != lifecycle.StatusReleased {
			continue
		}
		dtr, err := lifecycle.Demote(statusOf(prev))
		if err != nil {
			return api.Version{}, err
		}
		if err := s.applyTransition(ctx, &t, &prev, dtr, rep); err != nil {
			return api.Version{}, err
		}
	}

	if err := s.applyTransition(ctx, &t, &v, tr, rep); err != nil {
		return api.Version{}, err
	}
	s.touchVersion(&v, req.Actor)
	if err := s.saveVersion(ctx, v); err != nil {
		return api.Version{}, err
	}
	s.touchTitle(&t, req.Actor)
	if err := s.saveTitle(ctx, t); err != nil {
		return api.Version{}, err
	}

	rep.Logf(progress.LevelInfo, "%s@%s: released", title, version)
	return v, nil
}

// DeleteVersion tears down the version's downstream objects in the fixed
// order (policies, groups, package, catalog entry), then removes the snapshot
// and the version_order entry.
func (s *Service) DeleteVersion(ctx context.Context, title, version, actor string, rep *progress.Reporter) error {
	rep = s.reporter(rep, xid.New().String())

	key := lease.TitleKey(title)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return err
	}
	defer s.leases.Release(key)

	t, err := s.loadTitle(ctx, title)
	if err != nil {
		return err
	}
	v, err := s.loadVersion(ctx, title, version)
	if err != nil {
		return err
	}

	for _, step := range lifecycle.DeletionSteps() {
		switch step {
		case lifecycle.StepDeletePolicies:
			if v.PilotPolicyID != "" {
				rep.Progressf("%s@%s: deleting install policy", title, version)
				if err := s.deploy.DeletePolicy(ctx, v.PilotPolicyID); err != nil {
					return fmt.Errorf("titles: delete install policy %s@%s: %w", title, version, err)
				}
			}
			if v.ReinstallPolicyID != "" {
				rep.Progressf("%s@%s: deleting reinstall policy", title, version)
				if err := s.deploy.DeletePolicy(ctx, v.ReinstallPolicyID); err != nil {
					return fmt.Errorf("titles: delete reinstall policy %s@%s: %w", title, version, err)
				}
			}
			// The title-level policy survives, but it must not keep
			// installing a package that is about to disappear.
			if statusOf(v) == lifecycle.StatusReleased && t.TitlePolicyID != "" {
				disabled := titlePolicySpec(title, api.Version{})
				if err := s.updatePolicy(ctx, t.TitlePolicyID, disabled); err != nil {
					return fmt.Errorf("titles: disable title policy for %s: %w", title, err)
				}
			}
		case lifecycle.StepDeleteGroups:
			if v.PilotGroupID != "" {
				rep.Progressf("%s@%s: deleting pilot group", title, version)
				if err := s.deploy.DeleteGroup(ctx, v.PilotGroupID); err != nil {
					return fmt.Errorf("titles: delete pilot group %s@%s: %w", title, version, err)
				}
			}
		case lifecycle.StepDeletePackage:
			if v.PackageID != "" {
				rep.Progressf("%s@%s: deleting package", title, version)
				if err := s.deploy.DeletePackage(ctx, v.PackageID); err != nil {
					return fmt.Errorf("titles: delete package %s@%s: %w", title, version, err)
				}
			}
		case lifecycle.StepDeleteCatalogEntry:
			if v.CatalogVersionID != "" {
				rep.Progressf("%s@%s: deleting catalog entry", title, version)
				if err := s.catalog.DeleteVersion(ctx, v.CatalogVersionID); err != nil {
					return fmt.Errorf("titles: delete catalog entry %s@%s: %w", title, version, err)
				}
			}
		}
	}

	if err := s.store.Delete(ctx, store.VersionKey(title, version)); err != nil {
		return fmt.Errorf("titles: delete version snapshot %s@%s: %w", title, version, err)
	}
	t.VersionOrder = removeFromOrder(t.VersionOrder, version)
	s.touchTitle(&t, actor)
	if err := s.saveTitle(ctx, t); err != nil {
		return err
	}
	rep.Logf(progress.LevelInfo, "%s@%s: version deleted", title, version)
	return nil
}

// ReuploadPackage replaces the version's package object under the version
// lease, re-points every policy that referenced the old package, and spawns
// the propagation and script re-acceptance reconcilers.
func (s *Service) ReuploadPackage(ctx context.Context, title, version string, req api.ReuploadPackageRequest, rep *progress.Reporter) (api.Version, error) {
	rep = s.reporter(rep, xid.New().String())

	vkey := lease.VersionKey(title, version)
	if err := s.leases.Acquire(ctx, vkey); err != nil {
		return api.Version{}, err
	}
	defer s.leases.Release(vkey)

	v, err := s.loadVersion(ctx, title, version)
	if err != nil {
		return api.Version{}, err
	}
	if v.PackageID == "" {
		return api.Version{}, fmt.Errorf("%w: %s@%s", ErrNoPackage, title, version)
	}
	t, err := s.loadTitle(ctx, title)
	if err != nil {
		return api.Version{}, err
	}

	rep.Progressf("%s@%s: uploading replacement package", title, version)
	oldID := v.PackageID
	newID, err := s.deploy.CreatePackage(ctx, deploy.Package{
		Name: packageName(title, version, req.PackageName),
	})
	if err != nil {
		return api.Version{}, fmt.Errorf("titles: upload package %s@%s: %w", title, version, err)
	}
	v.PackageID = newID

	// Re-point before removing the old object so no policy ever references a
	// deleted package.
	if err := s.updatePolicy(ctx, v.PilotPolicyID, pilotPolicySpec(v)); err != nil {
		return api.Version{}, fmt.Errorf("titles: repoint install policy %s@%s: %w", title, version, err)
	}
	if v.ReinstallPolicyID != "" {
		// Disabled until the new upload has propagated.
		if err := s.updatePolicy(ctx, v.ReinstallPolicyID, reinstallPolicySpec(v, false)); err != nil {
			return api.Version{}, fmt.Errorf("titles: repoint reinstall policy %s@%s: %w", title, version, err)
		}
	}
	if statusOf(v) == lifecycle.StatusReleased && t.TitlePolicyID != "" {
		if err := s.updatePolicy(ctx, t.TitlePolicyID, titlePolicySpec(title, v)); err != nil {
			return api.Version{}, fmt.Errorf("titles: repoint title policy for %s: %w", title, err)
		}
	}
	if err := s.deploy.DeletePackage(ctx, oldID); err != nil {
		return api.Version{}, fmt.Errorf("titles: delete superseded package %s@%s: %w", title, version, err)
	}

	s.touchVersion(&v, req.Actor)
	if err := s.saveVersion(ctx, v); err != nil {
		return api.Version{}, err
	}

	// The changed package re-triggers detection-script acceptance on the
	// deployment server. The flag lives on the title, so take the title
	// lease for that one write.
	if t.ExtensionAttributeID != "" {
		if err := s.markExpectAcceptance(ctx, title); err != nil {
			return api.Version{}, err
		}
		s.spawnScriptAcceptance(title, t.ExtensionAttributeID, rep)
	}
	if v.ReinstallPolicyID != "" {
		s.spawnPackagePropagation(v, rep)
	}

	rep.Logf(progress.LevelInfo, "%s@%s: package replaced, waiting for propagation", title, version)
	return v, nil
}

func (s *Service) markExpectAcceptance(ctx context.Context, title string) error {
	key := lease.TitleKey(title)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return err
	}
	defer s.leases.Release(key)
	t, err := s.loadTitle(ctx, title)
	if err != nil {
		return err
	}
	t.ExpectAcceptance = true
	s.touchTitle(&t, "")
	return s.saveTitle(ctx, t)
}

// applyTransition executes the reconciliation steps of one state-machine edge
// and flips the version's persisted status. The caller holds the title lease
// and is responsible for saving the title itself.
func (s *Service) applyTransition(ctx context.Context, t *api.Title, v *api.Version, tr lifecycle.Transition, rep *progress.Reporter) error {
	for _, step := range tr.Steps {
		if err := s.applyStep(ctx, t, v, tr, step, rep); err != nil {
			return err
		}
	}
	v.Status = string(tr.To)
	s.touchVersion(v, "")
	if tr.To != lifecycle.StatusReleased {
		// The released version is saved by its operation after touching
		// actor attribution; everything else persists here.
		if err := s.saveVersion(ctx, *v); err != nil {
			return err
		}
	}
	rep.Logf(progress.LevelInfo, "%s@%s: %s -> %s", v.Title, v.Version, tr.From, tr.To)
	return nil
}

func (s *Service) applyStep(ctx context.Context, t *api.Title, v *api.Version, tr lifecycle.Transition, step lifecycle.Step, rep *progress.Reporter) error {
	switch step {
	case lifecycle.StepWidenScope:
		if v.PilotPolicyID == "" {
			rep.Logf(progress.LevelWarn, "%s@%s: released before pilot deployment existed", v.Title, v.Version)
			return nil
		}
		widened := deploy.Policy{
			Name:       pilotPolicyName(v.Title, v.Version),
			PackageID:  v.PackageID,
			AllTargets: true,
			Enabled:    true,
		}
		if err := s.updatePolicy(ctx, v.PilotPolicyID, widened); err != nil {
			return fmt.Errorf("titles: widen scope %s@%s: %w", v.Title, v.Version, err)
		}
	case lifecycle.StepNarrowScope:
		narrowed := deploy.Policy{
			Name:      pilotPolicyName(v.Title, v.Version),
			PackageID: v.PackageID,
			GroupID:   v.PilotGroupID,
			Enabled:   false,
		}
		if err := s.updatePolicy(ctx, v.PilotPolicyID, narrowed); err != nil {
			return fmt.Errorf("titles: narrow scope %s@%s: %w", v.Title, v.Version, err)
		}
		if v.ReinstallPolicyID != "" {
			if err := s.updatePolicy(ctx, v.ReinstallPolicyID, reinstallPolicySpec(*v, false)); err != nil {
				return fmt.Errorf("titles: disable reinstall policy %s@%s: %w", v.Title, v.Version, err)
			}
		}
	case lifecycle.StepDisableDeployment:
		if err := s.updatePolicy(ctx, v.PilotPolicyID, deploy.Policy{
			Name:      pilotPolicyName(v.Title, v.Version),
			PackageID: v.PackageID,
			GroupID:   v.PilotGroupID,
			Enabled:   false,
		}); err != nil {
			return fmt.Errorf("titles: disable deployment %s@%s: %w", v.Title, v.Version, err)
		}
	case lifecycle.StepRepointTitlePolicy:
		spec := titlePolicySpec(t.Name, *v)
		if t.TitlePolicyID == "" {
			id, err := s.deploy.CreatePolicy(ctx, spec)
			if err != nil {
				return fmt.Errorf("titles: create title policy for %s: %w", t.Name, err)
			}
			t.TitlePolicyID = id
			return nil
		}
		if err := s.updatePolicy(ctx, t.TitlePolicyID, spec); err != nil {
			return fmt.Errorf("titles: repoint title policy for %s: %w", t.Name, err)
		}
	case lifecycle.StepEnableReinstall:
		if v.PackageID == "" {
			// Released straight from pending: no package exists yet, so
			// there is nothing to re-install.
			return nil
		}
		if v.ReinstallPolicyID == "" {
			id, err := s.deploy.CreatePolicy(ctx, reinstallPolicySpec(*v, false))
			if err != nil {
				return fmt.Errorf("titles: create reinstall policy %s@%s: %w", v.Title, v.Version, err)
			}
			v.ReinstallPolicyID = id
		}
		// Enablement waits for the package to finish propagating.
		s.spawnPackagePropagation(*v, rep)
	}
	return nil
}

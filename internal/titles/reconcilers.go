package titles

import (
	"context"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/deploy"
	"pkt.systems/patchd/internal/lease"
	"pkt.systems/patchd/internal/lifecycle"
	"pkt.systems/patchd/internal/progress"
	"pkt.systems/patchd/internal/reconcile"
)

// The background reconciliations. None of them run under the lease of the
// request that spawned them, so every action re-acquires the title lease and
// re-checks persisted state before mutating anything.

// spawnDeployVisibility waits for the deployment server to see the new
// catalog entry, then builds the pilot deployment and promotes the version.
func (s *Service) spawnDeployVisibility(v api.Version, requestedPackage string, rep *progress.Reporter) {
	catalogVersionID := v.CatalogVersionID
	s.runner.Start(reconcile.Task{
		Entity:       lease.VersionKey(v.Title, v.Version).String(),
		Purpose:      purposeDeployVisibility,
		Reporter:     rep,
		PollInterval: s.reconcilePoll,
		MaxWait:      s.reconcileMaxWait,
		Predicate: func(ctx context.Context) (bool, error) {
			return s.catalog.Visible(ctx, catalogVersionID)
		},
		Action: func(ctx context.Context) error {
			return s.completeVersionCreation(ctx, v.Title, v.Version, requestedPackage, rep)
		},
	})
}

func (s *Service) completeVersionCreation(ctx context.Context, title, version, requestedPackage string, rep *progress.Reporter) error {
	key := lease.TitleKey(title)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return err
	}
	defer s.leases.Release(key)

	v, err := s.loadVersion(ctx, title, version)
	if err != nil {
		return err
	}
	if statusOf(v) != lifecycle.StatusPending {
		// Superseded or released while we waited; nothing to build.
		s.logger.Debug("titles.visibility_wait_stale",
			"title", title, "version", version, "status", v.Status)
		return nil
	}

	rep.Progressf("%s@%s: catalog entry visible, building pilot deployment", title, version)
	pkgID, err := s.deploy.CreatePackage(ctx, deploy.Package{
		Name: packageName(title, version, requestedPackage),
	})
	if err != nil {
		return err
	}
	v.PackageID = pkgID
	groupID, err := s.deploy.CreateGroup(ctx, deploy.Group{
		Name:  pilotGroupName(title, version),
		Pilot: true,
	})
	if err != nil {
		return err
	}
	v.PilotGroupID = groupID
	policyID, err := s.deploy.CreatePolicy(ctx, pilotPolicySpec(v))
	if err != nil {
		return err
	}
	v.PilotPolicyID = policyID

	tr, err := lifecycle.Promote(statusOf(v))
	if err != nil {
		return err
	}
	v.Status = string(tr.To)
	s.touchVersion(&v, "")
	if err := s.saveVersion(ctx, v); err != nil {
		return err
	}
	rep.Logf(progress.LevelInfo, "%s@%s: pilot deployment created, promoted to pilot", title, version)
	return nil
}

// spawnScriptAcceptance waits for the deployment server to flag the detection
// script for re-acceptance, then approves it and clears the title flag.
func (s *Service) spawnScriptAcceptance(title, extensionAttributeID string, rep *progress.Reporter) {
	s.runner.Start(reconcile.Task{
		Entity:       lease.TitleKey(title).String(),
		Purpose:      purposeScriptAcceptance,
		Reporter:     rep,
		PollInterval: s.reconcilePoll,
		MaxWait:      s.reconcileMaxWait,
		Predicate: func(ctx context.Context) (bool, error) {
			return s.deploy.NeedsAcceptance(ctx, extensionAttributeID)
		},
		Action: func(ctx context.Context) error {
			if err := s.deploy.AcceptExtensionAttribute(ctx, extensionAttributeID); err != nil {
				return err
			}
			key := lease.TitleKey(title)
			if err := s.leases.Acquire(ctx, key); err != nil {
				return err
			}
			defer s.leases.Release(key)
			t, err := s.loadTitle(ctx, title)
			if err != nil {
				return err
			}
			t.ExpectAcceptance = false
			s.touchTitle(&t, "")
			return s.saveTitle(ctx, t)
		},
	})
}

// spawnPackagePropagation waits for the version's package to finish
// propagating to distribution infrastructure, then enables the re-install
// policy if the version is still released and still carries that package.
func (s *Service) spawnPackagePropagation(v api.Version, rep *progress.Reporter) {
	packageID := v.PackageID
	s.runner.Start(reconcile.Task{
		Entity:       lease.VersionKey(v.Title, v.Version).String(),
		Purpose:      purposePackagePropagation,
		Reporter:     rep,
		PollInterval: s.reconcilePoll,
		MaxWait:      s.reconcileMaxWait,
		Predicate: func(ctx context.Context) (bool, error) {
			return s.deploy.PackageAvailable(ctx, packageID)
		},
		Action: func(ctx context.Context) error {
			key := lease.TitleKey(v.Title)
			if err := s.leases.Acquire(ctx, key); err != nil {
				return err
			}
			defer s.leases.Release(key)
			cur, err := s.loadVersion(ctx, v.Title, v.Version)
			if err != nil {
				return err
			}
			if cur.PackageID != packageID || cur.ReinstallPolicyID == "" {
				s.logger.Debug("titles.propagation_wait_stale",
					"title", v.Title, "version", v.Version)
				return nil
			}
			if statusOf(cur) != lifecycle.StatusReleased {
				return nil
			}
			return s.updatePolicy(ctx, cur.ReinstallPolicyID, reinstallPolicySpec(cur, true))
		},
	})
}

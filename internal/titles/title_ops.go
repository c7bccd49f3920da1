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

// CreateTitle registers a new title: a catalog title record, optionally a
// script-based detection attribute, and the authoritative snapshot.
func (s *Service) CreateTitle(ctx context.Context, req api.CreateTitleRequest, rep *progress.Reporter) (api.Title, error) {
	if err := validName(req.Name); err != nil {
		return api.Title{}, err
	}
	rep = s.reporter(rep, xid.New().String())

	key := lease.TitleKey(req.Name)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return api.Title{}, err
	}
	defer s.leases.Release(key)

	if _, err := s.store.Load(ctx, store.TitleKey(req.Name)); err == nil {
		return api.Title{}, fmt.Errorf("%w: %s", ErrTitleExists, req.Name)
	}

	rep.Progressf("%s: creating catalog title", req.Name)
	catalogID, err := s.catalog.CreateTitle(ctx, catalog.Title{
		Name:            req.Name,
		DisplayName:     req.DisplayName,
		Publisher:       req.Publisher,
		DetectionScript: req.DetectionScript,
	})
	if err != nil {
		return api.Title{}, fmt.Errorf("titles: create catalog title %s: %w", req.Name, err)
	}

	var eaID string
	if req.DetectionScript != "" {
		rep.Progressf("%s: uploading detection script", req.Name)
		eaID, err = s.catalog.CreateExtensionAttribute(ctx, catalog.ExtensionAttribute{
			Name:   req.Name + " detection",
			Script: req.DetectionScript,
		})
		if err != nil {
			return api.Title{}, fmt.Errorf("titles: create detection attribute for %s: %w", req.Name, err)
		}
	}

	now := s.clock.Now().Unix()
	t := api.Title{
		Name:                 req.Name,
		DisplayName:          req.DisplayName,
		Publisher:            req.Publisher,
		VersionOrder:         []string{},
		CatalogTitleID:       catalogID,
		ExtensionAttributeID: eaID,
		CreatedAt:            now,
		CreatedBy:            req.Actor,
		ModifiedAt:           now,
		ModifiedBy:           req.Actor,
	}
	if err := s.saveTitle(ctx, t); err != nil {
		return api.Title{}, err
	}
	rep.Logf(progress.LevelInfo, "%s: title created", req.Name)
	return t, nil
}

// GetTitle returns the title snapshot with its versions in precedence order.
func (s *Service) GetTitle(ctx context.Context, name string) (api.TitleResponse, error) {
	t, err := s.loadTitle(ctx, name)
	if err != nil {
		return api.TitleResponse{}, err
	}
	versions, err := s.versionsInOrder(ctx, t)
	if err != nil {
		return api.TitleResponse{}, err
	}
	return api.TitleResponse{Title: t, Versions: versions}, nil
}

// ListTitles returns every title snapshot, sorted by name.
func (s *Service) ListTitles(ctx context.Context) ([]api.Title, error) {
	names, err := s.titleNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.Title, 0, len(names))
	for _, name := range names {
		t, err := s.loadTitle(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateTitle changes title-level attributes. The catalog title record is
// updated, the change cascades to every version's catalog entry, and a changed
// detection script is re-uploaded and handed to the re-acceptance reconciler.
func (s *Service) UpdateTitle(ctx context.Context, name string, req api.UpdateTitleRequest, rep *progress.Reporter) (api.Title, error) {
	rep = s.reporter(rep, xid.New().String())

	key := lease.TitleKey(name)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return api.Title{}, err
	}
	defer s.leases.Release(key)

	t, err := s.loadTitle(ctx, name)
	if err != nil {
		return api.Title{}, err
	}

	if req.DisplayName != nil {
		t.DisplayName = *req.DisplayName
	}
	if req.Publisher != nil {
		t.Publisher = *req.Publisher
	}

	script := ""
	if req.DetectionScript != nil {
		script = *req.DetectionScript
	}

	rep.Progressf("%s: updating catalog title", name)
	if err := s.catalog.UpdateTitle(ctx, t.CatalogTitleID, catalog.Title{
		Name:            t.Name,
		DisplayName:     t.DisplayName,
		Publisher:       t.Publisher,
		DetectionScript: script,
	}); err != nil {
		return api.Title{}, fmt.Errorf("titles: update catalog title %s: %w", name, err)
	}

	if req.DetectionScript != nil {
		ea := catalog.ExtensionAttribute{Name: name + " detection", Script: *req.DetectionScript}
		if t.ExtensionAttributeID == "" {
			t.ExtensionAttributeID, err = s.catalog.CreateExtensionAttribute(ctx, ea)
		} else {
			err = s.catalog.UpdateExtensionAttribute(ctx, t.ExtensionAttributeID, ea)
		}
		if err != nil {
			return api.Title{}, fmt.Errorf("titles: update detection attribute for %s: %w", name, err)
		}
		// The deployment server will flag the changed script for
		// re-acceptance; the reconciler picks it up and approves it.
		t.ExpectAcceptance = true
	}

	versions, err := s.versionsInOrder(ctx, t)
	if err != nil {
		return api.Title{}, err
	}
	for _, v := range versions {
		if v.CatalogVersionID == "" {
			continue
		}
		rep.Progressf("%s: cascading catalog update to version %s", name, v.Version)
		if err := s.catalog.UpdateVersion(ctx, v.CatalogVersionID, catalog.Version{
			TitleID: t.CatalogTitleID,
			Version: v.Version,
			Enabled: v.Status != string(lifecycle.StatusSkipped),
		}); err != nil {
			return api.Title{}, fmt.Errorf("titles: cascade update to %s@%s: %w", name, v.Version, err)
		}
	}

	s.touchTitle(&t, req.Actor)
	if err := s.saveTitle(ctx, t); err != nil {
		return api.Title{}, err
	}

	if t.ExpectAcceptance && t.ExtensionAttributeID != "" {
		s.spawnScriptAcceptance(name, t.ExtensionAttributeID, rep)
	}
	rep.Logf(progress.LevelInfo, "%s: title updated", name)
	return t, nil
}

// DeleteTitle removes a title that owns no versions: the title-level install
// policy, the detection attribute, the catalog title record, and finally the
// snapshot.
func (s *Service) DeleteTitle(ctx context.Context, name string, actor string, rep *progress.Reporter) error {
	rep = s.reporter(rep, xid.New().String())

	key := lease.TitleKey(name)
	if err := s.leases.Acquire(ctx, key); err != nil {
		return err
	}
	defer s.leases.Release(key)

	t, err := s.loadTitle(ctx, name)
	if err != nil {
		return err
	}
	if len(t.VersionOrder) > 0 {
		return fmt.Errorf("%w: %s has %d versions", ErrTitleNotEmpty, name, len(t.VersionOrder))
	}

	if t.TitlePolicyID != "" {
		rep.Progressf("%s: deleting title install policy", name)
		if err := s.deploy.DeletePolicy(ctx, t.TitlePolicyID); err != nil {
			return fmt.Errorf("titles: delete title policy for %s: %w", name, err)
		}
	}
	if t.ExtensionAttributeID != "" {
		rep.Progressf("%s: deleting detection attribute", name)
		if err := s.catalog.DeleteExtensionAttribute(ctx, t.ExtensionAttributeID); err != nil {
			return fmt.Errorf("titles: delete detection attribute for %s: %w", name, err)
		}
	}
	rep.Progressf("%s: deleting catalog title", name)
	if err := s.catalog.DeleteTitle(ctx, t.CatalogTitleID); err != nil {
		return fmt.Errorf("titles: delete catalog title %s: %w", name, err)
	}
	if err := s.store.Delete(ctx, store.TitleKey(name)); err != nil {
		return fmt.Errorf("titles: delete title snapshot %s: %w", name, err)
	}
	rep.Logf(progress.LevelInfo, "%s: title deleted", name)
	return nil
}

// updatePolicy is a convenience wrapper keeping policy rewrites uniform.
func (s *Service) updatePolicy(ctx context.Context, id string, p deploy.Policy) error {
	if id == "" {
		return nil
	}
	return s.deploy.UpdatePolicy(ctx, id, p)
}

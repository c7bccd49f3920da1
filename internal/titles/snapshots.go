package titles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/store"
)

// Snapshot helpers. Every caller holds the appropriate lease; these only
// translate between snapshot documents and the wire types.

func (s *Service) loadTitle(ctx context.Context, name string) (api.Title, error) {
	doc, err := s.store.Load(ctx, store.TitleKey(name))
	if errors.Is(err, store.ErrNotFound) {
		return api.Title{}, fmt.Errorf("%w: %s", ErrTitleNotFound, name)
	}
	if err != nil {
		return api.Title{}, fmt.Errorf("titles: load title %s: %w", name, err)
	}
	var t api.Title
	if err := json.Unmarshal(doc, &t); err != nil {
		return api.Title{}, fmt.Errorf("titles: decode title %s: %w", name, err)
	}
	return t, nil
}

func (s *Service) saveTitle(ctx context.Context, t api.Title) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("titles: encode title %s: %w", t.Name, err)
	}
	if err := s.store.Save(ctx, store.TitleKey(t.Name), doc); err != nil {
		return fmt.Errorf("titles: save title %s: %w", t.Name, err)
	}
	return nil
}

func (s *Service) loadVersion(ctx context.Context, title, version string) (api.Version, error) {
	doc, err := s.store.Load(ctx, store.VersionKey(title, version))
	if errors.Is(err, store.ErrNotFound) {
		return api.Version{}, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, title, version)
	}
	if err != nil {
		return api.Version{}, fmt.Errorf("titles: load version %s@%s: %w", title, version, err)
	}
	var v api.Version
	if err := json.Unmarshal(doc, &v); err != nil {
		return api.Version{}, fmt.Errorf("titles: decode version %s@%s: %w", title, version, err)
	}
	return v, nil
}

func (s *Service) saveVersion(ctx context.Context, v api.Version) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("titles: encode version %s@%s: %w", v.Title, v.Version, err)
	}
	if err := s.store.Save(ctx, store.VersionKey(v.Title, v.Version), doc); err != nil {
		return fmt.Errorf("titles: save version %s@%s: %w", v.Title, v.Version, err)
	}
	return nil
}

// versionsInOrder loads the title's version snapshots in version_order
// (newest first).
func (s *Service) versionsInOrder(ctx context.Context, t api.Title) ([]api.Version, error) {
	out := make([]api.Version, 0, len(t.VersionOrder))
	for _, name := range t.VersionOrder {
		v, err := s.loadVersion(ctx, t.Name, name)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// titleNames lists every persisted title name, sorted.
func (s *Service) titleNames(ctx context.Context) ([]string, error) {
	keys, err := s.store.List(ctx, "titles/")
	if err != nil {
		return nil, fmt.Errorf("titles: list: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "titles/")
		if strings.Contains(rest, "/") {
			// Version snapshot, not a title document.
			continue
		}
		names = append(names, rest)
	}
	return names, nil
}

func (s *Service) touchTitle(t *api.Title, actor string) {
	now := s.clock.Now().Unix()
	t.ModifiedAt = now
	if actor != "" {
		t.ModifiedBy = actor
	}
}

func (s *Service) touchVersion(v *api.Version, actor string) {
	now := s.clock.Now().Unix()
	v.ModifiedAt = now
	if actor != "" {
		v.ModifiedBy = actor
	}
}

package titles_test

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/patchd/internal/catalog"
	"pkt.systems/patchd/internal/deploy"
)

// opLog records the order of external mutations across both fake clients so
// tests can assert teardown ordering.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) record(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeCatalog struct {
	log *opLog

	mu       sync.Mutex
	next     int
	titles   map[string]catalog.Title
	versions map[string]catalog.Version
	attrs    map[string]catalog.ExtensionAttribute
	visible  map[string]bool
}

func newFakeCatalog(log *opLog) *fakeCatalog {
	return &fakeCatalog{
		log:      log,
		titles:   make(map[string]catalog.Title),
		versions: make(map[string]catalog.Version),
		attrs:    make(map[string]catalog.ExtensionAttribute),
		visible:  make(map[string]bool),
	}
}

func (f *fakeCatalog) id(kind string) string {
	f.next++
	return fmt.Sprintf("%s-%d", kind, f.next)
}

func (f *fakeCatalog) CreateTitle(_ context.Context, t catalog.Title) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("ctitle")
	t.ID = id
	f.titles[id] = t
	f.log.record("catalog.create_title")
	return id, nil
}

func (f *fakeCatalog) UpdateTitle(_ context.Context, id string, t catalog.Title) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.titles[id]; !ok {
		return fmt.Errorf("fake catalog: no title %s", id)
	}
	t.ID = id
	f.titles[id] = t
	f.log.record("catalog.update_title")
	return nil
}

func (f *fakeCatalog) DeleteTitle(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.titles, id)
	f.log.record("catalog.delete_title")
	return nil
}

func (f *fakeCatalog) CreateExtensionAttribute(_ context.Context, ea catalog.ExtensionAttribute) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("cea")
	ea.ID = id
	f.attrs[id] = ea
	f.log.record("catalog.create_attr")
	return id, nil
}

func (f *fakeCatalog) UpdateExtensionAttribute(_ context.Context, id string, ea catalog.ExtensionAttribute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attrs[id]; !ok {
		return fmt.Errorf("fake catalog: no attribute %s", id)
	}
	ea.ID = id
	f.attrs[id] = ea
	f.log.record("catalog.update_attr")
	return nil
}

func (f *fakeCatalog) DeleteExtensionAttribute(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attrs, id)
	f.log.record("catalog.delete_attr")
	return nil
}

func (f *fakeCatalog) CreateVersion(_ context.Context, v catalog.Version) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("cver")
	v.ID = id
	f.versions[id] = v
	f.log.record("catalog.create_version")
	return id, nil
}

func (f *fakeCatalog) UpdateVersion(_ context.Context, id string, v catalog.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.versions[id]; !ok {
		return fmt.Errorf("fake catalog: no version %s", id)
	}
	v.ID = id
	f.versions[id] = v
	f.log.record("catalog.update_version")
	return nil
}

func (f *fakeCatalog) DeleteVersion(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.versions, id)
	f.log.record("catalog.delete_version")
	return nil
}

func (f *fakeCatalog) Visible(_ context.Context, versionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible[versionID], nil
}

func (f *fakeCatalog) setVisible(versionID string) {
	f.mu.Lock()
	f.visible[versionID] = true
	f.mu.Unlock()
}

func (f *fakeCatalog) version(id string) (catalog.Version, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	return v, ok
}

func (f *fakeCatalog) attr(id string) (catalog.ExtensionAttribute, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ea, ok := f.attrs[id]
	return ea, ok
}

func (f *fakeCatalog) title(id string) (catalog.Title, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.titles[id]
	return t, ok
}

type fakeDeploy struct {
	log *opLog

	mu        sync.Mutex
	next      int
	packages  map[string]deploy.Package
	groups    map[string]deploy.Group
	policies  map[string]deploy.Policy
	available map[string]bool
	flagged   map[string]bool
	accepted  []string
}

func newFakeDeploy(log *opLog) *fakeDeploy {
	return &fakeDeploy{
		log:       log,
		packages:  make(map[string]deploy.Package),
		groups:    make(map[string]deploy.Group),
		policies:  make(map[string]deploy.Policy),
		available: make(map[string]bool),
		flagged:   make(map[string]bool),
	}
}

func (f *fakeDeploy) id(kind string) string {
	f.next++
	return fmt.Sprintf("%s-%d", kind, f.next)
}

func (f *fakeDeploy) CreatePackage(_ context.Context, p deploy.Package) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("pkg")
	p.ID = id
	f.packages[id] = p
	f.log.record("deploy.create_package")
	return id, nil
}

func (f *fakeDeploy) DeletePackage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packages, id)
	f.log.record("deploy.delete_package")
	return nil
}

func (f *fakeDeploy) PackageAvailable(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[id], nil
}

func (f *fakeDeploy) setAvailable(id string) {
	f.mu.Lock()
	f.available[id] = true
	f.mu.Unlock()
}

func (f *fakeDeploy) CreateGroup(_ context.Context, g deploy.Group) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("grp")
	g.ID = id
	f.groups[id] = g
	f.log.record("deploy.create_group")
	return id, nil
}

func (f *fakeDeploy) DeleteGroup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, id)
	f.log.record("deploy.delete_group")
	return nil
}

func (f *fakeDeploy) CreatePolicy(_ context.Context, p deploy.Policy) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("pol")
	p.ID = id
	f.policies[id] = p
	f.log.record("deploy.create_policy")
	return id, nil
}

func (f *fakeDeploy) UpdatePolicy(_ context.Context, id string, p deploy.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.policies[id]; !ok {
		return fmt.Errorf("fake deploy: no policy %s", id)
	}
	p.ID = id
	f.policies[id] = p
	f.log.record("deploy.update_policy")
	return nil
}

func (f *fakeDeploy) DeletePolicy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.policies, id)
	f.log.record("deploy.delete_policy")
	return nil
}

func (f *fakeDeploy) NeedsAcceptance(_ context.Context, extensionAttributeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flagged[extensionAttributeID], nil
}

func (f *fakeDeploy) AcceptExtensionAttribute(_ context.Context, extensionAttributeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged[extensionAttributeID] = false
	f.accepted = append(f.accepted, extensionAttributeID)
	f.log.record("deploy.accept_attr")
	return nil
}

func (f *fakeDeploy) flagForAcceptance(extensionAttributeID string) {
	f.mu.Lock()
	f.flagged[extensionAttributeID] = true
	f.mu.Unlock()
}

func (f *fakeDeploy) policy(id string) (deploy.Policy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[id]
	return p, ok
}

func (f *fakeDeploy) acceptedAttrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

func (f *fakeDeploy) packageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packages)
}

func (f *fakeDeploy) groupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}

func (f *fakeDeploy) policyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.policies)
}

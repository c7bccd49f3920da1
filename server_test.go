package patchd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/patchd/api"
	"pkt.systems/patchd/internal/catalog"
	"pkt.systems/patchd/internal/deploy"
	"pkt.systems/patchd/internal/store/memory"
)

type stubCatalog struct {
	ids atomic.Int64
}

func (c *stubCatalog) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.ids.Add(1))
}

func (c *stubCatalog) CreateTitle(context.Context, catalog.Title) (string, error) {
	return c.next("ctitle"), nil
}
func (c *stubCatalog) UpdateTitle(context.Context, string, catalog.Title) error { return nil }
func (c *stubCatalog) DeleteTitle(context.Context, string) error                { return nil }
func (c *stubCatalog) CreateExtensionAttribute(context.Context, catalog.ExtensionAttribute) (string, error) {
	return c.next("cea"), nil
}
func (c *stubCatalog) UpdateExtensionAttribute(context.Context, string, catalog.ExtensionAttribute) error {
	return nil
}
func (c *stubCatalog) DeleteExtensionAttribute(context.Context, string) error { return nil }
func (c *stubCatalog) CreateVersion(context.Context, catalog.Version) (string, error) {
	return c.next("cver"), nil
}
func (c *stubCatalog) UpdateVersion(context.Context, string, catalog.Version) error { return nil }
func (c *stubCatalog) DeleteVersion(context.Context, string) error                  { return nil }
func (c *stubCatalog) Visible(context.Context, string) (bool, error)                { return true, nil }

type stubDeploy struct {
	ids atomic.Int64
}

func (d *stubDeploy) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, d.ids.Add(1))
}

func (d *stubDeploy) CreatePackage(context.Context, deploy.Package) (string, error) {
	return d.next("pkg"), nil
}
func (d *stubDeploy) DeletePackage(context.Context, string) error          { return nil }
func (d *stubDeploy) PackageAvailable(context.Context, string) (bool, error) {
	return true, nil
}
func (d *stubDeploy) CreateGroup(context.Context, deploy.Group) (string, error) {
	return d.next("grp"), nil
}
func (d *stubDeploy) DeleteGroup(context.Context, string) error { return nil }
func (d *stubDeploy) CreatePolicy(context.Context, deploy.Policy) (string, error) {
	return d.next("pol"), nil
}
func (d *stubDeploy) UpdatePolicy(context.Context, string, deploy.Policy) error { return nil }
func (d *stubDeploy) DeletePolicy(context.Context, string) error                { return nil }
func (d *stubDeploy) NeedsAcceptance(context.Context, string) (bool, error)     { return false, nil }
func (d *stubDeploy) AcceptExtensionAttribute(context.Context, string) error    { return nil }

func testServerOptions() []Option {
	return []Option{
		WithStore(memory.New()),
		WithCatalogClient(&stubCatalog{}),
		WithDeployClient(&stubDeploy{}),
	}
}

func TestStartServerServesLifecycle(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Listen:        "127.0.0.1:0",
		ReconcilePoll: 2 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, testServerOptions()...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer func() {
		if err := stop(context.Background()); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	base := "http://" + srv.ListenerAddr().String()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health status %q", health.Status)
	}

	body, _ := json.Marshal(api.CreateTitleRequest{Name: "firefox", Actor: "op"})
	createResp, err := http.Post(base+"/v1/titles", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create title: %v", err)
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK {
		t.Fatalf("create title status %d", createResp.StatusCode)
	}
	var lastLine string
	scanner := bufio.NewScanner(createResp.Body)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	var final api.ProgressLine
	if err := json.Unmarshal([]byte(lastLine), &final); err != nil {
		t.Fatalf("decode progress line %q: %v", lastLine, err)
	}
	if !final.Done || final.Error != "" {
		t.Fatalf("expected clean done line, got %+v", final)
	}

	getResp, err := http.Get(base + "/v1/titles/firefox")
	if err != nil {
		t.Fatalf("get title: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get title status %d", getResp.StatusCode)
	}
	var title api.TitleResponse
	if err := json.NewDecoder(getResp.Body).Decode(&title); err != nil {
		t.Fatalf("decode title: %v", err)
	}
	if title.Title.Name != "firefox" || title.Title.CreatedBy != "op" {
		t.Fatalf("unexpected title snapshot %+v", title.Title)
	}
}

func TestNewServerRequiresUpstreamClients(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(Config{}, WithStore(memory.New())); err == nil {
		t.Fatal("expected error without catalog endpoint or client")
	}
	if _, err := NewServer(Config{}, WithStore(memory.New()), WithCatalogClient(&stubCatalog{})); err == nil {
		t.Fatal("expected error without deploy endpoint or client")
	}
	if _, err := NewServer(Config{}, testServerOptions()...); err != nil {
		t.Fatalf("expected injected clients to satisfy the server: %v", err)
	}
}

func TestServerHandlerMountable(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(Config{}, testServerOptions()...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	if srv.Handler() == nil {
		t.Fatal("expected a mountable handler")
	}
	if srv.Service() == nil {
		t.Fatal("expected the lifecycle service to be exposed")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(Config{}, testServerOptions()...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

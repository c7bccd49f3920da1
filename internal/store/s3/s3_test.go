package s3_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/patchd/internal/store"
	s3store "pkt.systems/patchd/internal/store/s3"
)

func setupFakeS3(t *testing.T) s3store.Config {
	t.Helper()
	backend := s3mem.New()
	fake := gofakes3.New(backend)
	server := httptest.NewServer(fake.Server())
	t.Cleanup(server.Close)
	bucket := "patchd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return s3store.Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "patchd",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestS3RoundTrip(t *testing.T) {
	cfg := setupFakeS3(t)
	s, err := s3store.New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	key := store.VersionKey("firefox", "1.0")
	if _, err := s.Load(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("load missing: %v, want ErrNotFound", err)
	}
	doc := []byte(`{"status":"pilot"}`)
	if err := s.Save(ctx, key, doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, key)
	if err != nil || string(got) != string(doc) {
		t.Fatalf("load = %s (%v), want %s", got, err, doc)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func TestS3ListByPrefix(t *testing.T) {
	cfg := setupFakeS3(t)
	s, err := s3store.New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, key := range []string{
		store.TitleKey("firefox"),
		store.VersionKey("firefox", "1.0"),
		store.VersionKey("firefox", "2.0"),
		store.TitleKey("chrome"),
	} {
		if err := s.Save(ctx, key, []byte(`{}`)); err != nil {
			t.Fatalf("save %s: %v", key, err)
		}
	}
	keys, err := s.List(ctx, store.VersionPrefix("firefox"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{store.VersionKey("firefox", "1.0"), store.VersionKey("firefox", "2.0")}
	if len(keys) != len(want) {
		t.Fatalf("list = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("list[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

package patchd

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.ListenProto != "tcp" {
		t.Fatalf("expected listen proto default tcp, got %s", cfg.ListenProto)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default %q, got %q", DefaultStore, cfg.Store)
	}
	if cfg.LeaseTTL != DefaultLeaseTTL || cfg.LeasePoll != DefaultLeasePoll {
		t.Fatal("expected lease defaults")
	}
	if cfg.SweeperInterval != DefaultSweeperInterval {
		t.Fatal("expected sweeper interval default")
	}
	if cfg.ReconcilePoll != DefaultReconcilePoll || cfg.ReconcileMaxWait != DefaultReconcileMaxWait {
		t.Fatal("expected reconcile defaults")
	}
	if cfg.UpstreamTimeout != DefaultUpstreamTimeout {
		t.Fatal("expected upstream timeout default")
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatal("expected max body bytes default")
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatal("expected shutdown timeout default")
	}
}

func TestConfigValidateKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Listen:          ":8000",
		Store:           "disk:///tmp/patchd",
		LeaseTTL:        2 * time.Minute,
		LeasePoll:       50 * time.Millisecond,
		SweeperInterval: -1,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != ":8000" || cfg.Store != "disk:///tmp/patchd" {
		t.Fatal("explicit values must survive validation")
	}
	if cfg.LeaseTTL != 2*time.Minute || cfg.LeasePoll != 50*time.Millisecond {
		t.Fatal("explicit lease tuning must survive validation")
	}
	if cfg.SweeperInterval != -1 {
		t.Fatal("negative sweeper interval must survive to disable the sweeper")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cfg := Config{EnableProfilingMetrics: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for profiling metrics without metrics-listen")
	}
	cfg = Config{LeaseTTL: time.Second, LeasePoll: 2 * time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for lease poll > lease ttl")
	}
	cfg = Config{ReconcilePoll: time.Minute, ReconcileMaxWait: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reconcile max wait < poll")
	}
	cfg = Config{UpstreamTimeout: -time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative upstream timeout")
	}
	cfg = Config{MaxBodyBytes: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative max body bytes")
	}
}

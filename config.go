package patchd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/patchd/internal/httpapi"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9741"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the server at the in-memory backend when no store is
	// provided.
	DefaultStore = "mem://"
	// DefaultLeaseTTL bounds how long one logical operation may hold an entity
	// lease before the sweeper reclaims it.
	DefaultLeaseTTL = time.Hour
	// DefaultLeasePoll is the retry cadence while an acquire waits on a held
	// lease.
	DefaultLeasePoll = 250 * time.Millisecond
	// DefaultSweeperInterval sets the tick frequency for lease expiry sweeps.
	DefaultSweeperInterval = 5 * time.Minute
	// DefaultReconcilePoll is the predicate re-check cadence for background
	// reconciliation against the catalog editor and deployment server.
	DefaultReconcilePoll = 15 * time.Second
	// DefaultReconcileMaxWait caps how long a background reconciliation waits
	// for the external systems to converge before alerting.
	DefaultReconcileMaxWait = time.Hour
	// DefaultUpstreamTimeout bounds individual requests to the catalog editor
	// and deployment server.
	DefaultUpstreamTimeout = 30 * time.Second
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxBodyBytes bounds incoming JSON request bodies.
	DefaultMaxBodyBytes = int64(httpapi.DefaultMaxBodyBytes)
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a patchd.Server instance.
type Config struct {
	// Listen is the server bind address (for example ":9741").
	Listen string
	// ListenProto selects the listener network (tcp, tcp4, tcp6, unix).
	ListenProto string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// Store is the snapshot backend DSN (mem://, disk:///path, s3://host/bucket[/prefix]).
	Store string

	// CatalogURL is the patch-catalog editor base URL.
	CatalogURL string
	// CatalogToken authenticates catalog requests when set.
	CatalogToken string
	// DeployURL is the deployment server base URL.
	DeployURL string
	// DeployToken authenticates deployment-server requests when set.
	DeployToken string
	// UpstreamTimeout bounds each catalog/deployment request.
	UpstreamTimeout time.Duration

	// LeaseTTL is the entity lease ceiling per logical operation.
	LeaseTTL time.Duration
	// LeasePoll is the acquire retry cadence while a lease is held.
	LeasePoll time.Duration
	// SweeperInterval controls lease expiry sweep cadence; negative disables
	// the sweeper.
	SweeperInterval time.Duration
	// ReconcilePoll is the background reconciliation predicate cadence.
	ReconcilePoll time.Duration
	// ReconcileMaxWait caps background reconciliation waits before alerting.
	ReconcileMaxWait time.Duration

	// MaxBodyBytes caps incoming JSON request bodies.
	MaxBodyBytes int64
	// ShutdownTimeout caps graceful shutdown duration.
	ShutdownTimeout time.Duration

	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// DisableHTTPTracing disables OpenTelemetry spans for HTTP handlers.
	DisableHTTPTracing bool

	// AWSRegion sets the region for s3:// stores on AWS.
	AWSRegion string
	// S3AccessKeyID sets a static S3 access key credential.
	S3AccessKeyID string
	// S3SecretAccessKey sets a static S3 secret credential.
	S3SecretAccessKey string
	// S3SessionToken sets an optional session token for temporary S3 credentials.
	S3SessionToken string
}

// DefaultConfigDir returns the directory searched for the YAML config file.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".patchd"), nil
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("config: upstream timeout must be >= 0")
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("config: lease ttl must be >= 0")
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.LeasePoll < 0 {
		return fmt.Errorf("config: lease poll must be >= 0")
	}
	if c.LeasePoll == 0 {
		c.LeasePoll = DefaultLeasePoll
	}
	if c.LeasePoll > c.LeaseTTL {
		return fmt.Errorf("config: lease poll must be <= lease ttl")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.ReconcilePoll < 0 {
		return fmt.Errorf("config: reconcile poll must be >= 0")
	}
	if c.ReconcilePoll == 0 {
		c.ReconcilePoll = DefaultReconcilePoll
	}
	if c.ReconcileMaxWait < 0 {
		return fmt.Errorf("config: reconcile max wait must be >= 0")
	}
	if c.ReconcileMaxWait == 0 {
		c.ReconcileMaxWait = DefaultReconcileMaxWait
	}
	if c.ReconcileMaxWait < c.ReconcilePoll {
		return fmt.Errorf("config: reconcile max wait must be >= reconcile poll")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("config: max body bytes must be >= 0")
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/patchd"
	"pkt.systems/patchd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PATCHD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "patchd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

// humanizeBytes renders IEC units so flag defaults round-trip through
// humanize.ParseBytes without losing precision.
func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := patchd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, patchd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg patchd.Config

	cmd := &cobra.Command{
		Use:           "patchd",
		Short:         "patchd keeps a patch catalog and a deployment server converged on the same title lifecycle",
		SilenceErrors: true,
		Example: `
  # Disk-backed snapshots against production endpoints
  patchd --store disk:///var/lib/patchd-data \
    --catalog-url https://catalog.example.com --catalog-token $CATALOG_TOKEN \
    --deploy-url https://deploy.example.com --deploy-token $DEPLOY_TOKEN

  # S3-compatible snapshot store (MinIO; append ?insecure=1 for HTTP)
  PATCHD_STORE=s3://localhost:9000/patchd-data?insecure=1 patchd \
    --catalog-url https://catalog.example.com --deploy-url https://deploy.example.com

  # In-memory snapshots (tests/dev only)
  patchd --store mem:// --catalog-url http://localhost:8081 --deploy-url http://localhost:8082
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to patchd",
				"app", "patchd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := patchd.NewServer(cfg, patchd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.patchd/"+patchd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", patchd.DefaultListen, "listen address")
	flags.String("listen-proto", patchd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", patchd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", patchd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("store", patchd.DefaultStore, "snapshot store URL (mem://, disk:///path, s3://host[:port]/bucket[/prefix])")
	flags.String("catalog-url", "", "patch catalog editor base URL")
	flags.String("catalog-token", "", "bearer token for the patch catalog editor (or PATCHD_CATALOG_TOKEN)")
	flags.String("deploy-url", "", "deployment server base URL")
	flags.String("deploy-token", "", "bearer token for the deployment server (or PATCHD_DEPLOY_TOKEN)")
	flags.Duration("upstream-timeout", patchd.DefaultUpstreamTimeout, "per-request timeout for catalog and deployment calls")
	flags.Duration("lease-ttl", patchd.DefaultLeaseTTL, "entity lease ceiling per lifecycle operation")
	flags.Duration("lease-poll", patchd.DefaultLeasePoll, "retry cadence while waiting on a held lease")
	flags.Duration("sweeper-interval", patchd.DefaultSweeperInterval, "lease expiry sweep interval (negative disables)")
	flags.Duration("reconcile-poll", patchd.DefaultReconcilePoll, "background reconciliation predicate cadence")
	flags.Duration("reconcile-max-wait", patchd.DefaultReconcileMaxWait, "maximum background reconciliation wait before alerting")
	bodyMaxDefault := humanizeBytes(patchd.DefaultMaxBodyBytes)
	flags.String("body-max", bodyMaxDefault, "maximum JSON request body size")
	flags.Duration("shutdown-timeout", patchd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans for HTTP handlers")
	flags.String("aws-region", "", "AWS region for s3:// snapshot stores")
	flags.String("s3-access-key-id", "", "static S3 access key (or PATCHD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "static S3 secret key (or PATCHD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "S3 session token for temporary credentials")
	flags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		for _, fs := range []*pflag.FlagSet{flags, persistentFlags} {
			if flag = fs.Lookup(name); flag != nil {
				break
			}
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PATCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"store", "catalog-url", "catalog-token", "deploy-url", "deploy-token", "upstream-timeout",
		"lease-ttl", "lease-poll", "sweeper-interval", "reconcile-poll", "reconcile-max-wait",
		"body-max", "shutdown-timeout", "otlp-endpoint", "disable-http-tracing",
		"aws-region", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *patchd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.Store = viper.GetString("store")
	cfg.CatalogURL = strings.TrimSpace(viper.GetString("catalog-url"))
	cfg.CatalogToken = viper.GetString("catalog-token")
	cfg.DeployURL = strings.TrimSpace(viper.GetString("deploy-url"))
	cfg.DeployToken = viper.GetString("deploy-token")
	cfg.UpstreamTimeout = viper.GetDuration("upstream-timeout")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	cfg.LeasePoll = viper.GetDuration("lease-poll")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.ReconcilePoll = viper.GetDuration("reconcile-poll")
	cfg.ReconcileMaxWait = viper.GetDuration("reconcile-max-wait")
	if bodyMax := viper.GetString("body-max"); bodyMax != "" {
		size, err := humanize.ParseBytes(bodyMax)
		if err != nil {
			return fmt.Errorf("parse body-max: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	if cfg.AWSRegion == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
			cfg.AWSRegion = v
		} else if v := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION")); v != "" {
			cfg.AWSRegion = v
		}
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

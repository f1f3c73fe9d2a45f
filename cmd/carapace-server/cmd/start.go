package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/carapace-gateway/carapace/internal/adapter/inbound/admin"
	"github.com/carapace-gateway/carapace/internal/adapter/inbound/tcp"
	auditstore "github.com/carapace-gateway/carapace/internal/adapter/outbound/audit"
	"github.com/carapace-gateway/carapace/internal/adapter/outbound/policyfile"
	"github.com/carapace-gateway/carapace/internal/adapter/outbound/ratelimit"
	"github.com/carapace-gateway/carapace/internal/adapter/outbound/sqliteaudit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/dispatcher/cli"
	"github.com/carapace-gateway/carapace/internal/dispatcher/httpdispatch"
	domainaudit "github.com/carapace-gateway/carapace/internal/domain/audit"
	"github.com/carapace-gateway/carapace/internal/observability/metrics"
	"github.com/carapace-gateway/carapace/internal/observability/tracing"
	"github.com/carapace-gateway/carapace/internal/service"
)

var (
	listenAddr string
	policyPath string
	devMode    bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Server",
	Long: `Start the Carapace Server: bind the framed Agent listener, load the
policy file, and begin evaluating, dispatching, and auditing requests.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&listenAddr, "listen", "", "address the framed listener binds (overrides config)")
	startCmd.Flags().StringVar(&policyPath, "policy", "", "path to the policy file (overrides config/CARAPACE_POLICY_FILE)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "enable development mode (verbose logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if policyPath != "" {
		cfg.PolicyFile = policyPath
	}

	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // restore default signal handling: a second Ctrl+C hard-kills
	}()

	logLevel := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("carapace-server stopped")
	return nil
}

// run wires every component together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	policyStore := policyfile.NewFileStore(cfg.PolicyFile)

	limiter := ratelimit.NewRateLimiter()
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	policySvc, err := service.NewPolicyService(ctx, policyStore, limiter, logger)
	if err != nil {
		return fmt.Errorf("loading policy file %s: %w", cfg.PolicyFile, err)
	}
	logger.Info("policy loaded", "file", cfg.PolicyFile)

	fileStore, err := auditstore.NewFileAuditStore(auditstore.AuditFileConfig{
		Dir:           cfg.AuditFile.Dir,
		RetentionDays: cfg.AuditFile.RetentionDays,
		MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
		CacheSize:     cfg.AuditFile.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening audit file store: %w", err)
	}
	defer fileStore.Close()

	var auditBackend domainaudit.Store = fileStore
	if cfg.SqliteAudit.Enabled {
		idx, err := sqliteaudit.NewStore(cfg.SqliteAudit.Path, logger)
		if err != nil {
			return fmt.Errorf("opening sqlite audit index: %w", err)
		}
		defer idx.Close()
		auditBackend = auditstore.NewMultiStore(fileStore, idx)
		logger.Info("sqlite audit index enabled", "path", cfg.SqliteAudit.Path)
	}

	auditOpts := []service.AuditOption{
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	}
	if d, err := time.ParseDuration(cfg.Audit.FlushInterval); err == nil {
		auditOpts = append(auditOpts, service.WithFlushInterval(d))
	}
	if d, err := time.ParseDuration(cfg.Audit.SendTimeout); err == nil {
		auditOpts = append(auditOpts, service.WithSendTimeout(d))
	}
	auditSvc := service.NewAuditService(auditBackend, logger, auditOpts...)
	auditSvc.Start(ctx)
	defer auditSvc.Stop()

	cliDispatcher := cli.NewDispatcher()
	if cfg.CaptureCapBytes > 0 {
		cliDispatcher.CaptureCap = cfg.CaptureCapBytes
	}
	httpDispatcher := httpdispatch.NewDispatcher()

	dispatchSvc := service.NewDispatchService(policySvc, policySvc, cliDispatcher, httpDispatcher, auditSvc, logger)

	providers, err := tracing.Setup(ctx, cfg.DevMode)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	dispatchSvc.WithTracing(providers.Tracer, providers.Meter)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	listener := tcp.NewListener(cfg.Listen, dispatchSvc, logger, cfg.MaxFrameBytes)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m := metrics.NewMetrics(reg)
		dispatchSvc.WithMetrics(m)
		listener.WithMetrics(m)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/admin/stats", admin.NewHandler(reg, policySvc, auditSvc, limiter))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("carapace-server starting", "listen", cfg.Listen, "dev_mode", cfg.DevMode)
	if err := listener.Start(ctx); err != nil {
		return &ListenError{Err: err}
	}
	return nil
}

// ListenError wraps a failure to bind the framed Agent listener, so Execute
// can map it to exit code 2 per spec.md §6 (0 graceful, 1 config error, 2
// listen failure) instead of the generic exit 1 every other startup error
// gets.
type ListenError struct{ Err error }

func (e *ListenError) Error() string { return fmt.Sprintf("listen failed: %v", e.Err) }
func (e *ListenError) Unwrap() error { return e.Err }

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

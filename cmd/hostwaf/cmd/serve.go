package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hostwaf/hostwaf/internal/adapter/inbound/admin"
	waftransport "github.com/hostwaf/hostwaf/internal/adapter/inbound/waf"
	"github.com/hostwaf/hostwaf/internal/adapter/outbound/auditlog"
	"github.com/hostwaf/hostwaf/internal/adapter/outbound/eventlog"
	"github.com/hostwaf/hostwaf/internal/adapter/outbound/origin"
	"github.com/hostwaf/hostwaf/internal/adapter/outbound/sqlite"
	"github.com/hostwaf/hostwaf/internal/config"
	"github.com/hostwaf/hostwaf/internal/service"
	"github.com/hostwaf/hostwaf/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the firewall",
	Long: `Start the hostwaf edge and admin listeners.

The edge listener accepts client traffic and runs every request through
global evaluation, route resolution, and per-route evaluation before
forwarding to the route's origin. The admin listener serves the JSON
configuration API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// A second signal restores default handling for an immediate exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if file := config.FileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("hostwaf stopped")
	return nil
}

// run wires the components and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tracer, err := tracing.New(cfg.Tracing.Enabled, "hostwaf", os.Stdout)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tracer.Close(context.Background()) }()

	// Sinks and their async emitters.
	auditSink, err := auditlog.NewFileSink(cfg.Audit.Dir, cfg.Audit.RetentionDays, logger)
	if err != nil {
		return err
	}
	defer func() { _ = auditSink.Close() }()

	eventSink, err := eventlog.NewFileSink(cfg.Events.Dir, cfg.Events.RetentionDays, logger)
	if err != nil {
		return err
	}
	defer func() { _ = eventSink.Close() }()

	auditor := service.NewAuditEmitter(auditSink, logger)
	auditor.Start(ctx)
	defer auditor.Stop()

	events := service.NewEventLogger(eventSink, logger,
		service.WithEventChannelSize(cfg.Events.BufferSize))
	events.Start(ctx)
	defer events.Stop()

	// Tenant stores over SQLite.
	factory, err := sqlite.NewFactory(cfg.Data.Dir)
	if err != nil {
		return err
	}
	registry, err := service.NewRegistry(ctx, factory, auditor, logger)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	// Origin dispatch and the pipeline.
	dispatcher, err := origin.NewDispatcher(cfg.Origins, logger)
	if err != nil {
		return err
	}
	pipeline := service.NewPipeline(registry, dispatcher, events, tracer, logger)
	pipeline.SetEvalTimeout(cfg.ParsedEvalTimeout())

	// Edge listener with metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := waftransport.NewMetrics(reg,
		func() float64 { return float64(events.Dropped()) },
		func() float64 { return float64(auditor.Dropped()) },
	)
	pipeline.OnDecision(func(action string) {
		metrics.DecisionsTotal.WithLabelValues(action).Inc()
	})

	edge := waftransport.NewEdgeHandler(pipeline, logger,
		waftransport.WithTrustedProxy(cfg.Server.TrustedProxy))
	edgeServer := waftransport.NewServer("edge", cfg.Server.EdgeAddr,
		waftransport.NewRouter(edge, metrics, reg, logger), logger)

	// Admin listener.
	api := admin.NewAPIHandler(registry, logger,
		admin.WithAuditReader(auditSink),
		admin.WithEventReader(eventSink),
		admin.WithAggregator(eventSink),
		admin.WithVersion(Version),
	)
	adminServer := waftransport.NewServer("admin", cfg.Server.AdminAddr, api.Handler(), logger)

	// A failure in either listener tears the other down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- edgeServer.Start(ctx) }()
	go func() { errCh <- adminServer.Start(ctx) }()

	logger.Info("hostwaf running",
		"edge_addr", cfg.Server.EdgeAddr,
		"admin_addr", cfg.Server.AdminAddr,
		"origins", len(cfg.Origins),
	)

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

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

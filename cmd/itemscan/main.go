package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/imjasonh/itemcache/pkg/collect"
	"github.com/imjasonh/itemcache/pkg/config"
	"github.com/imjasonh/itemcache/pkg/health"
	"github.com/imjasonh/itemcache/pkg/memusage"
	"github.com/imjasonh/itemcache/pkg/metrics"
	"github.com/imjasonh/itemcache/pkg/reporter"
	"github.com/imjasonh/itemcache/pkg/scan"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		reportPath   string
		interval     time.Duration
		excludePaths string
		metricsAddr  string
		logLevel     string
		maxItems     int64
		root         string
	)

	cmd := &cobra.Command{
		Use:   "itemscan",
		Short: "Collect text file content items for compliance checks",
		Long: `itemscan evaluates text file content objects and writes the collected
items as a JSON report. Identical items found by several objects are stored
once and share one identity.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags win over the file and the environment.
			flags := cmd.Flags()
			if flags.Changed("report") {
				cfg.ReportPath = reportPath
			}
			if flags.Changed("interval") {
				cfg.ReportInterval = interval
			}
			if flags.Changed("exclude") {
				cfg.ExcludePaths = config.ParseExcludePaths(excludePaths)
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("max-items") {
				cfg.MaxCollectedItems = maxItems
			}
			if flags.Changed("root") {
				cfg.Root = root
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to the HuJSON configuration file")
	flags.StringVar(&reportPath, "report", "", "Path to write the JSON report")
	flags.DurationVar(&interval, "interval", 0, "Interval between scans (0 scans once)")
	flags.StringVar(&excludePaths, "exclude", "", "Comma-separated path prefixes to exclude")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics and /healthz on (e.g. :9090)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.Int64Var(&maxItems, "max-items", -1, "Maximum items collected per object (-1 for unlimited)")
	flags.StringVar(&root, "root", "", "Directory the scanned file system is mounted at (empty scans the host)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	ctx = clog.WithLogger(ctx, clog.New(handler))
	log := clog.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, err := cfg.ScanObjects()
	if err != nil {
		return fmt.Errorf("building scan objects: %w", err)
	}

	m := metrics.New()
	checker := health.New(cfg.ReportInterval)
	if cfg.MetricsAddr != "" {
		srv := newServer(cfg.MetricsAddr, m, checker)
		go func() {
			log.Infof("Serving metrics and health on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var mem memusage.Reader
	if pr, err := memusage.NewProcReader(""); err != nil {
		log.Warnf("Memory usage unavailable, objects above %d items will fail: %v", collect.MemcheckThreshold, err)
	} else {
		mem = pr
	}

	s := newScanner(ctx, scan.New(scan.Options{
		Limits:        cfg.Limits(),
		QueueCapacity: cfg.QueueCapacity,
		Concurrency:   cfg.Concurrency,
		Memory:        mem,
		Metrics:       m,
	}), reporter.NewFileReporter(ctx, cfg.ReportPath), m, checker)

	log.Infof("Scanning %d objects (report: %s, interval: %s, exclude: %s)",
		len(objects), cfg.ReportPath, cfg.ReportInterval, cfg.ExcludePathsString())
	if cfg.Root != "" {
		log.Infof("Reading files below %s", cfg.Root)
	}
	checker.SetScanStarted()
	return s.loop(ctx, objects, cfg.ReportInterval)
}

func newServer(addr string, m *metrics.Metrics, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", checker.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

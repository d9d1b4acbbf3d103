package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/imjasonh/itemcache/pkg/health"
	"github.com/imjasonh/itemcache/pkg/metrics"
	"github.com/imjasonh/itemcache/pkg/reporter"
	"github.com/imjasonh/itemcache/pkg/scan"
)

// scanner repeats scan passes and publishes each one as a report.
type scanner struct {
	runner   *scan.Runner
	reporter reporter.Reporter
	metrics  *metrics.Metrics
	health   *health.Checker

	scanID    string
	hostname  string
	startedAt time.Time
	passes    uint64
}

func newScanner(ctx context.Context, runner *scan.Runner, rep reporter.Reporter, m *metrics.Metrics, checker *health.Checker) *scanner {
	hostname, err := os.Hostname()
	if err != nil {
		clog.FromContext(ctx).Warnf("Unable to determine hostname: %v", err)
	}
	return &scanner{
		runner:    runner,
		reporter:  rep,
		metrics:   m,
		health:    checker,
		scanID:    uuid.NewString(),
		hostname:  hostname,
		startedAt: time.Now(),
	}
}

// loop runs one pass, then one per interval until ctx is done. A zero
// interval runs a single pass.
func (s *scanner) loop(ctx context.Context, objects []scan.Object, interval time.Duration) error {
	log := clog.FromContext(ctx)
	defer s.reporter.Close()

	err := s.once(ctx, objects)
	if interval == 0 {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("Scan pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Info("Received signal, shutting down...")
			return nil
		case <-ticker.C:
			err = s.once(ctx, objects)
		}
	}
}

// once runs a scan pass and writes its report.
func (s *scanner) once(ctx context.Context, objects []scan.Object) error {
	log := clog.FromContext(ctx)

	pass, err := s.runner.Run(ctx, objects)
	if err != nil {
		return err
	}
	defer pass.Free()
	s.passes++
	s.health.RecordPassCompleted()

	report := &reporter.Report{
		ScanID:         s.scanID,
		Hostname:       s.hostname,
		StartedAt:      s.startedAt,
		Passes:         s.passes,
		UniqueItems:    pass.Cache.Items,
		DuplicateItems: pass.Cache.Hits,
	}
	for _, o := range pass.Objects {
		report.Objects = append(report.Objects, reporter.NewObject(o.Collection))
	}

	if err := s.reporter.Update(ctx, report); err != nil {
		s.metrics.ReportWriteErrors.Inc()
		return fmt.Errorf("writing report: %w", err)
	}
	s.metrics.ReportWrites.Inc()
	s.health.RecordReportWritten()
	log.Infof("Report written: %d objects, %d unique items, %d duplicates",
		len(report.Objects), report.UniqueItems, report.DuplicateItems)
	return nil
}

// Package health provides health checking functionality for itemscan.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// minStaleAfter is the shortest period without progress that is reported.
const minStaleAfter = 2 * time.Minute

// Checker tracks the health status of the scanner.
type Checker struct {
	mu                sync.RWMutex
	scanStarted       bool
	lastPassCompleted time.Time
	lastReportWritten time.Time
	startTime         time.Time
	staleAfter        time.Duration
	passes            uint64
}

// New creates a new health checker for scans repeated every interval.
// Progress older than twice the interval, and never less than two minutes,
// counts as stalled.
func New(interval time.Duration) *Checker {
	staleAfter := 2 * interval
	if staleAfter < minStaleAfter {
		staleAfter = minStaleAfter
	}
	return &Checker{
		startTime:  time.Now(),
		staleAfter: staleAfter,
	}
}

// SetScanStarted marks the scan loop as running.
func (c *Checker) SetScanStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanStarted = true
}

// RecordPassCompleted updates the timestamp of the last finished scan pass.
func (c *Checker) RecordPassCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPassCompleted = time.Now()
	c.passes++
}

// RecordReportWritten updates the timestamp of the last successful report write.
func (c *Checker) RecordReportWritten() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReportWritten = time.Now()
}

// Status represents the current health status.
type Status struct {
	Healthy            bool    `json:"healthy"`
	Uptime             string  `json:"uptime"`
	ScanStarted        bool    `json:"scan_started"`
	Passes             uint64  `json:"passes"`
	LastPassCompleted  string  `json:"last_pass_completed,omitempty"`
	LastReportWritten  string  `json:"last_report_written,omitempty"`
	SecondsSincePass   float64 `json:"seconds_since_pass,omitempty"`
	SecondsSinceReport float64 `json:"seconds_since_report,omitempty"`
	Message            string  `json:"message,omitempty"`
}

// Check returns the current health status.
// It considers the service healthy if:
// - the scan loop is running
// - reports have been written recently (or the grace period has not elapsed)
// A slow scan pass is reported in Message without failing the check.
func (c *Checker) Check() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	uptime := now.Sub(c.startTime)

	status := Status{
		Healthy:     true,
		Uptime:      uptime.Round(time.Second).String(),
		ScanStarted: c.scanStarted,
		Passes:      c.passes,
	}

	if !c.scanStarted {
		status.Healthy = false
		status.Message = "scan not started"
		return status
	}

	if !c.lastPassCompleted.IsZero() {
		sincePass := now.Sub(c.lastPassCompleted)
		status.SecondsSincePass = sincePass.Seconds()
		status.LastPassCompleted = c.lastPassCompleted.Format(time.RFC3339)
		if sincePass > c.staleAfter {
			status.Message = "no scan pass completed recently"
		}
	} else if uptime > c.staleAfter {
		status.Message = "no scan pass completed yet"
	}

	if !c.lastReportWritten.IsZero() {
		sinceReport := now.Sub(c.lastReportWritten)
		status.SecondsSinceReport = sinceReport.Seconds()
		status.LastReportWritten = c.lastReportWritten.Format(time.RFC3339)
		if sinceReport > c.staleAfter {
			status.Healthy = false
			status.Message = appendMessage(status.Message, "report write stalled")
		}
	} else if uptime > c.staleAfter {
		status.Healthy = false
		status.Message = appendMessage(status.Message, "no reports written yet")
	}

	return status
}

func appendMessage(msg, more string) string {
	if msg == "" {
		return more
	}
	return msg + "; " + more
}

// Handler returns an HTTP handler for the /healthz endpoint.
// Returns 200 OK if healthy, 503 Service Unavailable if unhealthy.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check()

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(status)
	}
}

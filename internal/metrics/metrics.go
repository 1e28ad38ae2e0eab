// Package metrics exposes run telemetry as Prometheus collectors and writes
// them to a node-exporter textfile at the end of a run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "yoro_confirm"

// Run collects the metrics of one confirmation run. A nil *Run is valid and
// records nothing.
type Run struct {
	registry *prometheus.Registry

	scans        *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	scanMessages *prometheus.CounterVec
	endpoints    *prometheus.GaugeVec
	runDuration  prometheus.Gauge
	runInfo      *prometheus.GaugeVec
}

// New returns a Run on a private registry.
func New() *Run {
	r := &Run{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Endpoints that reached a terminal scan state",
			},
			[]string{"cwe", "state"},
		),
		scanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Time from submission to completion of one active scan",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"cwe"},
		),
		scanMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_messages_total",
				Help:      "HTTP messages sent by active scans",
			},
			[]string{"cwe"},
		),
		endpoints: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoints",
				Help:      "Candidate endpoints by classification",
			},
			[]string{"classification"},
		),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the scan phase",
		}),
		runInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_info",
				Help:      "Constant 1, labelled with the run identity",
			},
			[]string{"run_id", "target"},
		),
	}

	collectors := []prometheus.Collector{
		r.scans, r.scanDuration, r.scanMessages, r.endpoints, r.runDuration, r.runInfo,
	}
	for _, c := range collectors {
		r.registry.MustRegister(c)
	}
	return r
}

// Registry returns the registry backing r.
func (r *Run) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ScanFinished records one endpoint reaching a terminal state.
func (r *Run) ScanFinished(cwe, state string, elapsed time.Duration, messages int) {
	if r == nil {
		return
	}
	r.scans.WithLabelValues(cwe, state).Inc()
	if elapsed > 0 {
		r.scanDuration.WithLabelValues(cwe).Observe(elapsed.Seconds())
	}
	if messages > 0 {
		r.scanMessages.WithLabelValues(cwe).Add(float64(messages))
	}
}

// Identify labels the run.
func (r *Run) Identify(runID, target string) {
	if r == nil {
		return
	}
	r.runInfo.WithLabelValues(runID, target).Set(1)
}

// Classified records the size of each classification set and the scan phase duration.
func (r *Run) Classified(confirmed, unconfirmed, notScanned int, scanDuration time.Duration) {
	if r == nil {
		return
	}
	r.endpoints.WithLabelValues("confirmed").Set(float64(confirmed))
	r.endpoints.WithLabelValues("unconfirmed").Set(float64(unconfirmed))
	r.endpoints.WithLabelValues("not_scanned").Set(float64(notScanned))
	r.runDuration.Set(scanDuration.Seconds())
}

// WriteTextfile writes every metric in the text exposition format to path.
func (r *Run) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

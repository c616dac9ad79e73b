// Package metrics exposes rotation run metrics for Prometheus. A one-shot CLI
// cannot be scraped, so the registry is written as a node-exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes used as the outcome label
const (
	OutcomeSuccess      = "success"
	OutcomePrecondition = "precondition"
	OutcomeStore        = "store"
	OutcomeTransport    = "transport"
	OutcomeInterrupted  = "interrupted"
	OutcomeError        = "error"
)

// RunSample is what one run reports
type RunSample struct {
	Outcome       string
	StartedAt     time.Time
	Duration      time.Duration
	Pruned        bool
	Retained      int
	RetainedBytes uint64
}

// Collector owns a private registry with the rotation metrics
type Collector struct {
	registry *prometheus.Registry

	lastRun       *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
	duration      *prometheus.GaugeVec
	runs          *prometheus.CounterVec
	pruned        *prometheus.CounterVec
	retained      *prometheus.GaugeVec
	retainedBytes *prometheus.GaugeVec
}

// NewCollector registers the metrics on a fresh registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := []string{"dataset"}

	return &Collector{
		registry: registry,
		lastRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zfs_rotate_last_run_timestamp_seconds",
			Help: "Start time of the last rotation run",
		}, labels),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zfs_rotate_last_success_timestamp_seconds",
			Help: "Start time of the last successful rotation run",
		}, labels),
		duration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zfs_rotate_run_duration_seconds",
			Help: "Wall time of the last rotation run",
		}, labels),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zfs_rotate_runs_total",
			Help: "Rotation runs by outcome",
		}, []string{"dataset", "outcome"}),
		pruned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zfs_rotate_snapshots_pruned_total",
			Help: "Snapshots destroyed at the retention boundary",
		}, labels),
		retained: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zfs_rotate_retained_snapshots",
			Help: "Dated snapshots of the source dataset after the last successful run",
		}, labels),
		retainedBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zfs_rotate_retained_bytes",
			Help: "Space used by retained snapshots after the last successful run",
		}, labels),
	}
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRun records one run of dataset
func (c *Collector) RecordRun(dataset string, sample RunSample) {
	started := float64(sample.StartedAt.Unix())

	c.lastRun.WithLabelValues(dataset).Set(started)
	c.duration.WithLabelValues(dataset).Set(sample.Duration.Seconds())
	c.runs.WithLabelValues(dataset, sample.Outcome).Inc()

	if sample.Pruned {
		c.pruned.WithLabelValues(dataset).Inc()
	}
	if sample.Outcome == OutcomeSuccess {
		c.lastSuccess.WithLabelValues(dataset).Set(started)
		c.retained.WithLabelValues(dataset).Set(float64(sample.Retained))
		c.retainedBytes.WithLabelValues(dataset).Set(float64(sample.RetainedBytes))
	}
}

// WriteTextfile writes the registry atomically to path
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

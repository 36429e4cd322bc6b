// Package metrics exposes depotfusion's run-time Prometheus metrics over
// an optional "/metrics" HTTP endpoint. Grounded on
// Sumatoshi-tech-codefang/internal/observability/prometheus.go's
// per-process registry plus promhttp.HandlerFor pattern; this repo's own
// dependency on github.com/perforce/p4prometheus contributes only the
// version string printed by --version.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds depotfusion's metrics and the prometheus.Registry they
// are bound to. A fresh Registry per run (rather than the global
// DefaultRegisterer) keeps repeated test construction collision-free.
type Registry struct {
	reg *prometheus.Registry

	ChangelistsCommitted prometheus.Counter
	FilesDownloaded      prometheus.Counter
	BlobsWritten         prometheus.Counter
	QueueDepth           prometheus.Gauge
	ActiveWorkers        prometheus.Gauge
}

// New builds a Registry with every depotfusion metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		ChangelistsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depotfusion",
			Name:      "changelists_committed_total",
			Help:      "Changelists committed to the object database.",
		}),
		FilesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depotfusion",
			Name:      "files_downloaded_total",
			Help:      "File revisions streamed from the depot and finalized into a blob.",
		}),
		BlobsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "depotfusion",
			Name:      "blobs_written_total",
			Help:      "Blob writes handed to the object database, before its own content-address dedup.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depotfusion",
			Name:      "scheduler_queue_depth",
			Help:      "Changelists enqueued to the worker pool whose job has not started yet.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "depotfusion",
			Name:      "scheduler_active_workers",
			Help:      "Worker-pool goroutines currently running a changelist's Prepare/Download job.",
		}),
	}
	reg.MustRegister(
		r.ChangelistsCommitted,
		r.FilesDownloaded,
		r.BlobsWritten,
		r.QueueDepth,
		r.ActiveWorkers,
	)
	return r
}

// Serve starts an HTTP server exposing /metrics on addr and returns once
// its listener is bound. The server is closed automatically when ctx is
// canceled; the caller does not need to call Close itself.
func (r *Registry) Serve(ctx context.Context, addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go srv.Serve(ln)
	return srv, nil
}

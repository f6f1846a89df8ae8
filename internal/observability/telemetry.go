package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TelemetrySystem and PrometheusExporter are the process-wide telemetry
// handles, set by InitTelemetry and StartPrometheusExporter during serve
// startup. Both stay nil in plain CLI invocations; health checks treat nil
// as "telemetry disabled or not yet up".
var (
	TelemetrySystem    *Telemetry
	PrometheusExporter *Exporter
)

// Telemetry owns the Prometheus registry and the engine instruments. All
// label values are plain strings so callers outside the engine packages can
// record observations without extra imports.
type Telemetry struct {
	registry *prometheus.Registry

	jobs         *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	launches     *prometheus.CounterVec
	reaperSweeps prometheus.Counter
	jobDuration  *prometheus.HistogramVec
}

// NewTelemetry builds a registry with the engine instruments plus the
// standard Go and process collectors. A build info gauge carries the
// version label.
func NewTelemetry(version string) *Telemetry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratus_build_info",
		Help: "Build information, value is always 1.",
	}, []string{"version"})
	buildInfo.WithLabelValues(version).Set(1)
	reg.MustRegister(buildInfo)

	t := &Telemetry{
		registry: reg,
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stratus_jobs",
			Help: "Number of jobs currently in each lifecycle phase.",
		}, []string{"phase"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratus_transitions_total",
			Help: "Phase transition requests by edge and outcome.",
		}, []string{"from", "to", "outcome"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratus_launches_total",
			Help: "Worker process launches by outcome.",
		}, []string{"outcome"}),
		reaperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratus_reaper_sweeps_total",
			Help: "Completed reaper expiry sweeps.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stratus_job_duration_seconds",
			Help:    "Wall-clock execution time of finished jobs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"service"}),
	}
	reg.MustRegister(t.jobs, t.transitions, t.launches, t.reaperSweeps, t.jobDuration)
	return t
}

// InitTelemetry builds the instrument set and installs it as the
// process-wide TelemetrySystem.
func InitTelemetry(version string) *Telemetry {
	TelemetrySystem = NewTelemetry(version)
	return TelemetrySystem
}

// Registry exposes the underlying registry for exporters.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// Handler returns the /metrics HTTP handler for this registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// SetJobs records the current number of jobs in one phase.
func (t *Telemetry) SetJobs(phase string, n int) {
	t.jobs.WithLabelValues(phase).Set(float64(n))
}

// ObserveTransition counts one transition request on the (from, to) edge.
// Outcome is "ok", "illegal", or "failed".
func (t *Telemetry) ObserveTransition(from, to, outcome string) {
	t.transitions.WithLabelValues(from, to, outcome).Inc()
}

// ObserveLaunch counts one worker launch attempt.
func (t *Telemetry) ObserveLaunch(outcome string) {
	t.launches.WithLabelValues(outcome).Inc()
}

// ObserveReaperSweep counts one completed expiry sweep.
func (t *Telemetry) ObserveReaperSweep() {
	t.reaperSweeps.Inc()
}

// ObserveJobDuration records the execution time of a finished job.
func (t *Telemetry) ObserveJobDuration(service string, d time.Duration) {
	t.jobDuration.WithLabelValues(service).Observe(d.Seconds())
}

// Exporter serves a telemetry registry over HTTP on the metrics port.
type Exporter struct {
	server *http.Server
	log    *zap.Logger
}

// NewExporter builds the metrics HTTP server. Nothing listens until Start.
func NewExporter(host string, port int, t *Telemetry, log *zap.Logger) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	return &Exporter{
		server: &http.Server{
			Addr:              net.JoinHostPort(host, fmt.Sprintf("%d", port)),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the exporter mux, mainly for tests.
func (e *Exporter) Handler() http.Handler {
	return e.server.Handler
}

// Addr reports the configured listen address.
func (e *Exporter) Addr() string {
	return e.server.Addr
}

// Start listens in a background goroutine. Server failures other than a
// clean close are logged, never fatal: metrics loss must not take the
// engine down.
func (e *Exporter) Start() {
	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics exporter stopped", zap.String("addr", e.server.Addr), zap.Error(err))
		}
	}()
	e.log.Info("metrics exporter listening", zap.String("addr", e.server.Addr))
}

// Shutdown drains the exporter within the context deadline.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

// StartPrometheusExporter builds, installs, and starts the process-wide
// exporter for the given telemetry.
func StartPrometheusExporter(host string, port int, t *Telemetry, log *zap.Logger) *Exporter {
	PrometheusExporter = NewExporter(host, port, t, log)
	PrometheusExporter.Start()
	return PrometheusExporter
}

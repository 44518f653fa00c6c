// Package metrics registers the kernel's Prometheus collectors and serves
// them over HTTP, following the teacher's promauto-per-subsystem shape
// (internal/escrow/metrics.go) but scoped to scheduler ticks, the memory
// pool, and the sandboxed tool executor instead of the escrow domain.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the kernel exports, registered against its
// own registry rather than the global default one so more than one
// instance can coexist within a process (tests, or an embedder that wants
// isolated registries).
type Metrics struct {
	registry *prometheus.Registry

	TickDuration    prometheus.Histogram
	TickStepped     prometheus.Counter
	TickSyscalls    *prometheus.CounterVec
	TickReaped      prometheus.Counter
	ActiveProcesses prometheus.Gauge

	MemoryFreeBlocks prometheus.Gauge
	MemoryEvictions  prometheus.Counter
	MemoryOOMEvents  prometheus.Counter
	MemorySwapCount  prometheus.Counter
	MemorySwapFailed prometheus.Counter

	SandboxCalls    *prometheus.CounterVec
	SandboxKills    *prometheus.CounterVec
	SandboxDuration *prometheus.HistogramVec
}

// New builds a fresh registry and registers every collector against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TickDuration: fac.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentkernel_tick_duration_seconds",
			Help:    "Wall-clock duration of one scheduler tick",
			Buckets: prometheus.DefBuckets,
		}),
		TickStepped: fac.NewCounter(prometheus.CounterOpts{
			Name: "agentkernel_tick_processes_stepped_total",
			Help: "Total process steps run across every tick",
		}),
		TickSyscalls: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "agentkernel_tick_syscalls_total",
			Help: "Total syscalls dispatched, by kind",
		}, []string{"kind"}),
		TickReaped: fac.NewCounter(prometheus.CounterOpts{
			Name: "agentkernel_tick_processes_reaped_total",
			Help: "Total finished processes reaped across every tick",
		}),
		ActiveProcesses: fac.NewGauge(prometheus.GaugeOpts{
			Name: "agentkernel_active_processes",
			Help: "Number of processes currently tracked by the engine",
		}),

		MemoryFreeBlocks: fac.NewGauge(prometheus.GaugeOpts{
			Name: "agentkernel_memory_free_blocks",
			Help: "Free blocks remaining in the tensor memory pool",
		}),
		MemoryEvictions: fac.NewCounter(prometheus.CounterOpts{
			Name: "agentkernel_memory_evictions_total",
			Help: "Total LRU evictions performed by the memory manager",
		}),
		MemoryOOMEvents: fac.NewCounter(prometheus.CounterOpts{
			Name: "agentkernel_memory_oom_events_total",
			Help: "Total OOM events the memory manager could not satisfy by eviction alone",
		}),
		MemorySwapCount: fac.NewCounter(prometheus.CounterOpts{
			Name: "agentkernel_memory_swap_total",
			Help: "Total async swap jobs completed",
		}),
		MemorySwapFailed: fac.NewCounter(prometheus.CounterOpts{
			Name: "agentkernel_memory_swap_failures_total",
			Help: "Total async swap jobs that failed",
		}),

		SandboxCalls: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "agentkernel_sandbox_calls_total",
			Help: "Total sandboxed tool calls, by execution mode and outcome",
		}, []string{"mode", "success"}),
		SandboxKills: fac.NewCounterVec(prometheus.CounterOpts{
			Name: "agentkernel_sandbox_kills_total",
			Help: "Total processes killed by the sandbox guard, by reason",
		}, []string{"reason"}),
		SandboxDuration: fac.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentkernel_sandbox_call_duration_seconds",
			Help:    "Duration of sandboxed tool calls, by execution mode",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
	}
}

// RecordTick folds one tick's summary into the tick-scoped collectors. The
// scheduler package returns a plain struct precisely so it never has to
// import this package.
func (m *Metrics) RecordTick(duration time.Duration, stepped, syscalls, reaped int) {
	m.TickDuration.Observe(duration.Seconds())
	m.TickStepped.Add(float64(stepped))
	if syscalls > 0 {
		m.TickSyscalls.WithLabelValues("any").Add(float64(syscalls))
	}
	m.TickReaped.Add(float64(reaped))
}

// RecordSandboxCall folds one tool call's outcome into the sandbox
// collectors.
func (m *Metrics) RecordSandboxCall(mode string, success bool, kill bool, killReason string, duration time.Duration) {
	m.SandboxCalls.WithLabelValues(mode, boolLabel(success)).Inc()
	m.SandboxDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if kill {
		m.SandboxKills.WithLabelValues(killReason).Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Handler returns the http.Handler serving this instance's registry in
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the /metrics HTTP endpoint on addr, returning once ctx is
// cancelled or the listener fails. Mirrors the teacher's plain
// http.Server-with-graceful-shutdown idiom used for the main API server.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

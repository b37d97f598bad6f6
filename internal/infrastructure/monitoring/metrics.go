package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Syscall metrics
	SyscallsTotal   *prometheus.CounterVec
	SyscallDuration *prometheus.HistogramVec

	// IPC metrics
	IPCMessages *prometheus.CounterVec
	IPCTimeouts prometheus.Counter

	// Scheduler metrics
	ContextSwitches *prometheus.CounterVec
	Preemptions     *prometheus.CounterVec
	Migrations      prometheus.Counter
	RunQueueDepth   *prometheus.GaugeVec

	// Interrupt metrics
	IRQsTotal *prometheus.CounterVec

	// Object model metrics
	ProcessesActive prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalSyscalls   int64   `json:"total_syscalls"`
	FailedSyscalls  int64   `json:"failed_syscalls"`
	TotalMessages   int64   `json:"total_messages"`
	TotalTimeouts   int64   `json:"total_timeouts"`
	ActiveProcesses int64   `json:"active_processes"`
	TotalDuration   float64 `json:"-"` // sum of all syscall durations
	SyscallCount    int64   `json:"-"` // count for averaging
}

// AverageSyscallSeconds reports mean syscall latency.
func (s MetricsSnapshot) AverageSyscallSeconds() float64 {
	if s.SyscallCount == 0 {
		return 0
	}
	return s.TotalDuration / float64(s.SyscallCount)
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		SyscallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_syscalls_total",
				Help: "Total number of syscalls dispatched",
			},
			[]string{"op", "status"},
		),
		SyscallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_syscall_duration_seconds",
				Help:    "Syscall dispatch duration in seconds",
				Buckets: []float64{.000001, .00001, .0001, .001, .01, .1, 1},
			},
			[]string{"op"},
		),

		IPCMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ipc_messages_total",
				Help: "Total number of IPC messages delivered or queued",
			},
			[]string{"mode"},
		),
		IPCTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_ipc_timeouts_total",
				Help: "Total number of blocked operations resolved by deadline",
			},
		),

		ContextSwitches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_context_switches_total",
				Help: "Total number of context switches",
			},
			[]string{"core"},
		),
		Preemptions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_preemptions_total",
				Help: "Total number of RealTime preemptions",
			},
			[]string{"core"},
		),
		Migrations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_migrations_total",
				Help: "Total number of idle-steal thread migrations",
			},
		),
		RunQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_run_queue_depth",
				Help: "Ready threads queued per core and class",
			},
			[]string{"core", "class"},
		),

		IRQsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_irqs_total",
				Help: "Total number of interrupts routed",
			},
			[]string{"vector", "delivered"},
		),

		ProcessesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_processes_active",
				Help: "Number of live processes",
			},
		),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_http_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_http_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ws_connections",
				Help: "Number of active WebSocket event subscribers",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_uptime_seconds",
				Help: "Kernel uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordSyscall records one dispatched syscall
func (m *Metrics) RecordSyscall(op, status string, duration time.Duration) {
	m.SyscallsTotal.WithLabelValues(op, status).Inc()
	m.SyscallDuration.WithLabelValues(op).Observe(duration.Seconds())

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalSyscalls++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.SyscallCount++
	if status != "ok" {
		m.snapshot.FailedSyscalls++
	}
	m.mu.Unlock()
}

// RecordIPCMessage records a delivered or queued message
func (m *Metrics) RecordIPCMessage(mode string) {
	m.IPCMessages.WithLabelValues(mode).Inc()
	m.mu.Lock()
	m.snapshot.TotalMessages++
	m.mu.Unlock()
}

// RecordTimeout records a deadline-resolved blocked operation
func (m *Metrics) RecordTimeout() {
	m.IPCTimeouts.Inc()
	m.mu.Lock()
	m.snapshot.TotalTimeouts++
	m.mu.Unlock()
}

// RecordContextSwitch records a context switch on one core
func (m *Metrics) RecordContextSwitch(core uint32) {
	m.ContextSwitches.WithLabelValues(coreLabel(core)).Inc()
}

// RecordPreemption records a RealTime preemption on one core
func (m *Metrics) RecordPreemption(core uint32) {
	m.Preemptions.WithLabelValues(coreLabel(core)).Inc()
}

// RecordMigration records an idle-steal migration
func (m *Metrics) RecordMigration() {
	m.Migrations.Inc()
}

// SetRunQueueDepth sets the queued-thread gauge for one core and class
func (m *Metrics) SetRunQueueDepth(core uint32, class string, depth int) {
	m.RunQueueDepth.WithLabelValues(coreLabel(core), class).Set(float64(depth))
}

// RecordIRQ records a routed interrupt
func (m *Metrics) RecordIRQ(vector uint32, delivered bool) {
	m.IRQsTotal.WithLabelValues(strconv.FormatUint(uint64(vector), 10), strconv.FormatBool(delivered)).Inc()
}

// SetProcesses sets the live process gauge
func (m *Metrics) SetProcesses(count int) {
	m.ProcessesActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveProcesses = int64(count)
	m.mu.Unlock()
}

// RecordHTTPRequest records an HTTP API request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// Snapshot returns current values for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

func coreLabel(core uint32) string {
	return strconv.FormatUint(uint64(core), 10)
}

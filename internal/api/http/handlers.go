// Package http exposes the kernel's introspection and control surface over
// REST. Handlers read kernel snapshots; nothing here bypasses the syscall
// layer's capability checks.
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nucleonos/nucleon/internal/infrastructure/logging"
	"github.com/nucleonos/nucleon/internal/infrastructure/monitoring"
	"github.com/nucleonos/nucleon/internal/kernel"
)

// Handlers bundles the HTTP API dependencies.
type Handlers struct {
	kernel  *kernel.Kernel
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// NewHandlers creates the API handler set.
func NewHandlers(k *kernel.Kernel, metrics *monitoring.Metrics, log *logging.Logger) *Handlers {
	return &Handlers{kernel: k, metrics: metrics, log: log}
}

// Health reports liveness and identity.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"status":         "healthy",
		"boot_id":        h.kernel.BootID(),
		"uptime_seconds": h.kernel.Uptime().Seconds(),
		"objects":        h.kernel.ObjectCount(),
	})
}

// ListProcesses returns every process with its threads.
func (h *Handlers) ListProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processes": h.kernel.Processes(),
	})
}

// GetProcess returns one process.
func (h *Handlers) GetProcess(c *gin.Context) {
	p, ok := h.lookupProcess(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"process": p.Info(),
	})
}

// GetProcessEndpoints returns the endpoints a process created.
func (h *Handlers) GetProcessEndpoints(c *gin.Context) {
	p, ok := h.lookupProcess(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"endpoints": h.kernel.Endpoints(p),
	})
}

// GetProcessCaps returns a process's capability table snapshot. Rights are
// reported as their string form; object identities stay opaque.
func (h *Handlers) GetProcessCaps(c *gin.Context) {
	p, ok := h.lookupProcess(c)
	if !ok {
		return
	}
	entries := p.Caps().Snapshot()
	caps := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		caps = append(caps, gin.H{
			"slot":   e.Slot,
			"rights": e.Rights.String(),
			"badge":  e.Badge,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"capabilities": caps,
	})
}

// GetSchedulerStats retrieves per-core scheduler statistics.
func (h *Handlers) GetSchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   h.kernel.Stats(),
	})
}

// GetMetrics returns the JSON metrics snapshot (Prometheus exposition
// lives at /metrics).
func (h *Handlers) GetMetrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "metrics": gin.H{}})
		return
	}
	snap := h.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"metrics": gin.H{
			"total_syscalls":      snap.TotalSyscalls,
			"failed_syscalls":     snap.FailedSyscalls,
			"total_messages":      snap.TotalMessages,
			"total_timeouts":      snap.TotalTimeouts,
			"active_processes":    snap.ActiveProcesses,
			"avg_syscall_seconds": snap.AverageSyscallSeconds(),
		},
	})
}

// InjectIRQ raises an interrupt vector; used by device simulations and
// tests of the delivery path.
func (h *Handlers) InjectIRQ(c *gin.Context) {
	vector, err := strconv.ParseUint(c.Param("vector"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid vector: " + err.Error(),
		})
		return
	}
	h.kernel.OnIRQ(uint32(vector))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"vector":  vector,
	})
}

// TerminateProcess tears a process down.
func (h *Handlers) TerminateProcess(c *gin.Context) {
	p, ok := h.lookupProcess(c)
	if !ok {
		return
	}
	if err := h.kernel.Terminate(p.ID()); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"pid":     uint32(p.ID()),
	})
}

func (h *Handlers) lookupProcess(c *gin.Context) (*kernel.Process, bool) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid pid: " + err.Error(),
		})
		return nil, false
	}
	p, ok := h.kernel.Process(kernel.ProcessID(pid))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "process not found",
		})
		return nil, false
	}
	return p, true
}

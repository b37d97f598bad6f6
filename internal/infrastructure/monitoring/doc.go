/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the kernel,
tracking syscall dispatch, IPC traffic, scheduler behavior, interrupt
routing, and the HTTP/WebSocket control plane.

# Features

- Syscall metrics (throughput per op and status, latency)
- IPC metrics (messages per mode, deadline timeouts)
- Scheduler metrics (context switches, preemptions, migrations, queue depth)
- Interrupt routing metrics
- Process lifecycle gauge
- HTTP and WebSocket control-plane metrics
- System metrics (uptime)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record custom metrics
	metrics.RecordSyscall("send", "ok", duration)
	metrics.SetRunQueueDepth(0, "normal", 3)

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring

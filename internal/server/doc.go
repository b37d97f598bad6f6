// Package server provides HTTP control-plane setup for the kernel.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, rate limiting, recovery, metrics)
//   - Kernel construction and boot
//   - WebSocket event fan-out
//
// Server Lifecycle:
//  1. Load configuration from environment/flags
//  2. Initialize logger (production or development)
//  3. Build and boot the kernel
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server and core driver loops
//  6. Graceful shutdown on signal
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg, log)
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

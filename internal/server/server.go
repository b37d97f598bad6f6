package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/nucleonos/nucleon/internal/api/http"
	"github.com/nucleonos/nucleon/internal/api/middleware"
	"github.com/nucleonos/nucleon/internal/infrastructure/config"
	"github.com/nucleonos/nucleon/internal/infrastructure/logging"
	"github.com/nucleonos/nucleon/internal/infrastructure/monitoring"
	"github.com/nucleonos/nucleon/internal/kernel"
	"github.com/nucleonos/nucleon/internal/ws"
)

// Server wraps the kernel and its HTTP control plane.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *monitoring.Metrics
	kernel  *kernel.Kernel
	hub     *ws.Hub
	router  *gin.Engine
	httpSrv *http.Server
}

// New builds the server: metrics, event hub, kernel, routes.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()
	hub := ws.NewHub(log, metrics)

	k := kernel.New(kernel.Params{
		Cores:              cfg.Kernel.Cores,
		CapTableSlots:      cfg.Kernel.CapTableSlots,
		MailboxCapacity:    cfg.Kernel.MailboxCapacity,
		AgingRounds:        cfg.Kernel.AgingRounds,
		NormalSliceTicks:   cfg.Kernel.NormalSliceTicks,
		RealTimeSliceTicks: cfg.Kernel.RealTimeSliceTicks,
	}, log, metrics, nil, hub)

	s := &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		kernel:  k,
		hub:     hub,
	}
	s.setupRouter()
	return s, nil
}

// Kernel exposes the kernel for workload setup.
func (s *Server) Kernel() *kernel.Kernel { return s.kernel }

func (s *Server) setupRouter() {
	if !s.cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if s.cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}))
	}
	router.Use(monitoring.Middleware(s.metrics))

	h := apihttp.NewHandlers(s.kernel, s.metrics, s.log)
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/json", h.GetMetrics)
	router.GET("/processes", h.ListProcesses)
	router.GET("/processes/:pid", h.GetProcess)
	router.GET("/processes/:pid/endpoints", h.GetProcessEndpoints)
	router.GET("/processes/:pid/caps", h.GetProcessCaps)
	router.GET("/scheduler", h.GetSchedulerStats)
	router.GET("/stream", s.hub.HandleConnection)

	// Mutating routes share one bucket: aggregate pressure on the kernel
	// matters more here than fairness between clients.
	mutating := router.Group("")
	if s.cfg.RateLimit.Enabled {
		mutating.Use(middleware.GlobalRateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}))
	}
	mutating.DELETE("/processes/:pid", h.TerminateProcess)
	mutating.POST("/irq/:vector", h.InjectIRQ)

	s.router = router
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control plane listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.log.Info("shutting down")
	return s.httpSrv.Shutdown(shutdownCtx)
}

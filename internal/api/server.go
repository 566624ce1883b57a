// Package api serves the status and control endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labeld/internal/api/handlers"
	"github.com/orrn/labeld/internal/api/middleware"
	"github.com/orrn/labeld/internal/core"
)

type Deps struct {
	Loop           handlers.LoopController
	Transport      core.Transport
	Auth           *middleware.AuthMiddleware
	HistoryEnabled bool
	Archives       handlers.ArchiveLister
	Logger         *slog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if d.Logger != nil {
		r.Use(requestLogger(d.Logger))
	}

	loop := handlers.NewLoopHandler(d.Loop)
	printer := handlers.NewPrinterHandler(d.Transport)
	history := handlers.NewHistoryHandler(d.HistoryEnabled, d.Archives)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/status", loop.GetStatus)
		api.GET("/printer", printer.GetPrinterStatus)
		api.GET("/history", history.ListBatches)
		api.GET("/history/counters", history.GetCounters)
		api.GET("/history/archives", history.ListArchives)

		auth := api.Group("/auth")
		auth.POST("/login", d.Auth.LoginHandler)
		auth.POST("/logout", d.Auth.LogoutHandler)
		auth.GET("/status", d.Auth.StatusHandler)

		control := api.Group("/loop", d.Auth.RequireAuth())
		control.POST("/stop", loop.StopLoop)
		control.POST("/start", loop.StartLoop)
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Server runs the router on an http.Server until Shutdown.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start listens in the background. Listen errors are logged; the service
// keeps printing without its status endpoint.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status api stopped", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

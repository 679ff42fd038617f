// Package api serves the local view of the workspace ports to editor
// windows: a small JSON API plus a websocket of live events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"go.olrik.dev/wharf/internal/events"
	"go.olrik.dev/wharf/internal/ports"
	"go.olrik.dev/wharf/internal/rpc"
)

// PortView is the part of the port engine the API exposes
type PortView interface {
	Ports() []ports.WorkspacePort
	Port(number int) (ports.WorkspacePort, bool)
	SetPortVisibility(ctx context.Context, port int, visibility rpc.Visibility) error
	SetTunnelVisibility(ctx context.Context, port int, visibility rpc.TunnelVisibility) error
	CloseTunnel(ctx context.Context, port int) error
}

// Server is the local HTTP API
type Server struct {
	view    PortView
	stream  *events.Streamer[events.Event]
	prompts *Prompts
	logger  *slog.Logger

	router *gin.Engine
}

func NewServer(view PortView, stream *events.Streamer[events.Event], prompts *Prompts, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		view:    view,
		stream:  stream,
		prompts: prompts,
		logger:  logger.With("component", "api"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes(router)
	s.router = router
	return s
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/healthz", s.health)
	router.GET("/auth-complete", s.authComplete)

	api := router.Group("/api")
	{
		api.GET("/ports", s.listPorts)
		api.GET("/ports/:port", s.getPort)
		api.POST("/ports/:port/visibility", s.setPortVisibility)
		api.POST("/ports/:port/tunnel", s.setTunnelVisibility)
		api.DELETE("/ports/:port/tunnel", s.closeTunnel)

		api.GET("/prompts", s.listPrompts)
		api.POST("/prompts/:id", s.answerPrompt)

		api.GET("/events", s.streamEvents)
	}
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on l until ctx is done
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	s.logger.Info("API listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	return nil
}

// requestLogger logs requests through slog at debug level
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

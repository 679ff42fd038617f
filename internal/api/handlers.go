package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"go.olrik.dev/wharf/internal/core"
	"go.olrik.dev/wharf/internal/events"
	"go.olrik.dev/wharf/internal/ports"
	"go.olrik.dev/wharf/internal/rpc"
)

type errorResponse struct {
	Error string `json:"error"`
}

type visibilityRequest struct {
	Visibility string `json:"visibility" binding:"required"`
}

type answerRequest struct {
	Action string `json:"action"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": core.FormatVersion(core.Version),
	})
}

// authComplete is where the companion redirects the browser after login
func (s *Server) authComplete(c *gin.Context) {
	s.logger.Info("Auth completed")
	s.stream.Emit(events.New(events.KindAuthComplete, nil))
	c.String(http.StatusOK, "Authentication complete. You can close this window.")
}

func (s *Server) listPorts(c *gin.Context) {
	c.JSON(http.StatusOK, s.view.Ports())
}

func (s *Server) getPort(c *gin.Context) {
	number, ok := portParam(c)
	if !ok {
		return
	}
	p, found := s.view.Port(number)
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "port not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) setPortVisibility(c *gin.Context) {
	number, ok := portParam(c)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	visibility := rpc.Visibility(req.Visibility)
	if !visibility.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "visibility must be public or private"})
		return
	}

	if err := s.view.SetPortVisibility(c.Request.Context(), number, visibility); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) setTunnelVisibility(c *gin.Context) {
	number, ok := portParam(c)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	visibility := rpc.TunnelVisibility(req.Visibility)
	if !visibility.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "visibility must be none, host or network"})
		return
	}

	if err := s.view.SetTunnelVisibility(c.Request.Context(), number, visibility); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) closeTunnel(c *gin.Context) {
	number, ok := portParam(c)
	if !ok {
		return
	}
	if err := s.view.CloseTunnel(c.Request.Context(), number); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listPrompts(c *gin.Context) {
	c.JSON(http.StatusOK, s.prompts.Pending())
}

func (s *Server) answerPrompt(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	switch err := s.prompts.Answer(c.Param("id"), req.Action); {
	case errors.Is(err, ErrUnknownPrompt):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrInvalidAction):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		s.writeError(c, err)
	default:
		c.Status(http.StatusNoContent)
	}
}

func portParam(c *gin.Context) (int, bool) {
	number, err := strconv.Atoi(c.Param("port"))
	if err != nil || number <= 0 || number > 65535 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid port"})
		return 0, false
	}
	return number, true
}

// writeError maps engine and RPC failures to HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ports.ErrUnknownPort):
		status = http.StatusNotFound
	case errors.Is(err, ports.ErrNoClient):
		status = http.StatusServiceUnavailable
	case rpc.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

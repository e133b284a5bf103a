// Package api provides the HTTP surface next to the WebSocket endpoint:
// session management, transcript reads, model listing, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/domain"
	"chatrelay/internal/hub"
	"chatrelay/internal/ollama"
	"chatrelay/internal/store"
)

// ModelLister lists the models the native backend has installed.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
}

// Server is the HTTP API server.
type Server struct {
	echo   *echo.Echo
	hub    *hub.Hub
	store  store.Store
	models ModelLister
}

// NewServer creates the API server and registers its routes.
func NewServer(h *hub.Hub, st store.Store, models ModelLister) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		hub:    h,
		store:  st,
		models: models,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:session_id/messages", s.handleGetMessages)
	e.GET("/v1/models", s.handleListModels)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// callerID resolves the requesting identity. The HTTP surface trusts the
// X-User-ID header the same way the WebSocket endpoint trusts its token:
// absence means the anonymous default user.
func callerID(c echo.Context) string {
	if id := c.Request().Header.Get("X-User-ID"); id != "" {
		return id
	}
	return domain.AnonymousUserID
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
		"users":       s.hub.GetUserCount(),
	})
}

// CreateSessionRequest is the request body for POST /v1/sessions.
type CreateSessionRequest struct {
	Model string `json:"model"`
}

// handleCreateSession creates a session owned by the calling identity.
// POST /v1/sessions
func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Model == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "model is required"})
	}

	now := time.Now().UTC()
	session := &domain.Session{
		SessionID: "sess_" + uuid.New().String()[:8],
		UserID:    callerID(c),
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(c.Request().Context(), session); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, session)
}

// handleGetMessages retrieves the transcript of an owned session.
// GET /v1/sessions/:session_id/messages
func (s *Server) handleGetMessages(c echo.Context) error {
	sessionID := c.Param("session_id")
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	ctx := c.Request().Context()

	// Ownership gate: a foreign session id reads exactly like a missing one.
	if _, err := s.store.GetOwnedSession(ctx, sessionID, callerID(c)); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	messages, err := s.store.ListMessages(ctx, sessionID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// handleListModels lists the native backend's installed models.
// GET /v1/models
func (s *Server) handleListModels(c echo.Context) error {
	models, err := s.models.ListModels(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"models": models,
	})
}

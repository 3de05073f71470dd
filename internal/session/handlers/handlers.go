// Package handlers exposes the session management HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	apperrors "github.com/previewd/previewd/internal/common/errors"
	"github.com/previewd/previewd/internal/common/httpmw"
	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/session"
	"github.com/previewd/previewd/internal/session/models"
)

// Readiness is flipped by main during startup and shutdown; /ready reports
// 503 while it is false.
type Readiness struct {
	ready atomic.Bool
}

// Set marks the instance ready (or not).
func (r *Readiness) Set(ready bool) {
	r.ready.Store(ready)
}

// Ready reports the current state.
func (r *Readiness) Ready() bool {
	return r.ready.Load()
}

// SessionHandler serves the /api/sessions surface.
type SessionHandler struct {
	sessions  *session.Manager
	readiness *Readiness
	logger    *logger.Logger
}

// NewSessionHandler creates the API handler.
func NewSessionHandler(sessions *session.Manager, readiness *Readiness, log *logger.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, readiness: readiness, logger: log}
}

// Register mounts the API and probe routes. apiSecret gates /api only;
// probes stay open for the platform.
func (h *SessionHandler) Register(r *gin.Engine, apiSecret string) {
	r.GET("/health", h.health)
	r.GET("/ready", h.ready)

	api := r.Group("/api", httpmw.RequireAPISecret(apiSecret))
	api.POST("/sessions", h.create)
	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.DELETE("/sessions/:id", h.delete)
}

type createSessionRequest struct {
	RepoOwner   string `json:"repo_owner" binding:"required"`
	RepoName    string `json:"repo_name" binding:"required"`
	RepoRef     string `json:"repo_ref" binding:"required"`
	GithubToken string `json:"github_token"`
	ForceNew    bool   `json:"force_new"`
}

type sessionResponse struct {
	Session models.View `json:"session"`
	Message string      `json:"message"`
}

func (h *SessionHandler) create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repo_owner, repo_name, and repo_ref are required"})
		return
	}

	sess, reused, err := h.sessions.Create(c.Request.Context(),
		req.RepoOwner, req.RepoName, req.RepoRef, req.GithubToken, req.ForceNew)
	if err != nil {
		h.renderError(c, err)
		return
	}

	view := sess.ToView(h.sessions.PreviewURL(sess))
	if reused {
		c.JSON(http.StatusOK, sessionResponse{Session: view, Message: "Existing session reused."})
		return
	}
	c.JSON(http.StatusAccepted, sessionResponse{Session: view, Message: "Session created. Poll for readiness."})
}

func (h *SessionHandler) get(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.ToView(h.sessions.PreviewURL(sess))})
}

func (h *SessionHandler) list(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	views := make([]models.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.ToView(h.sessions.PreviewURL(sess)))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

func (h *SessionHandler) delete(c *gin.Context) {
	stopped, err := h.sessions.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !stopped {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SessionHandler) ready(c *gin.Context) {
	if !h.readiness.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "instance": h.sessions.InstanceID()})
}

func (h *SessionHandler) renderError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message})
		return
	}
	h.logger.WithError(err).Error("unhandled API error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

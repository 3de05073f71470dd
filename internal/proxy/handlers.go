package proxy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/previewd/previewd/internal/common/config"
	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/common/token"
	"github.com/previewd/previewd/internal/session"
	"github.com/previewd/previewd/internal/session/models"
)

// CookiePrefix names the per-session auth cookies.
const CookiePrefix = "pv_preview_"

// cookieMaxAge keeps the auth cookie alive for an hour; a fresh query token
// renews it.
const cookieMaxAge = 3600

// Handler serves the /preview/<id>/ surface: authentication, status pages,
// and the actual forwarding.
type Handler struct {
	sessions  *session.Manager
	forwarder *Forwarder
	preview   config.PreviewConfig
	logger    *logger.Logger
}

// NewHandler creates the preview handler.
func NewHandler(sessions *session.Manager, preview config.PreviewConfig, log *logger.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		forwarder: NewForwarder(!preview.UseSubdomainRouting, log),
		preview:   preview,
		logger:    log,
	}
}

// Register mounts the preview routes.
func (h *Handler) Register(r *gin.Engine) {
	r.Any("/preview/:id/*path", h.handlePreview)
}

func (h *Handler) handlePreview(c *gin.Context) {
	id := c.Param("id")
	subPath := c.Param("path")

	accessToken := c.Query("token")
	fromQuery := accessToken != ""
	if accessToken == "" {
		accessToken, _ = c.Cookie(cookieName(id))
	}
	if !token.ValidFormat(accessToken) {
		h.page(c, http.StatusUnauthorized, errorPage("Access denied", "A valid access token is required to view this preview."))
		return
	}

	res, err := h.sessions.ValidateAccess(c.Request.Context(), id, accessToken)
	if err != nil {
		h.logger.WithSessionID(id).WithError(err).Error("access validation failed")
		h.page(c, http.StatusBadGateway, errorPage("Preview unavailable", "The preview service hit an internal error. Try again shortly."))
		return
	}
	if res.Session == nil {
		h.page(c, http.StatusNotFound, errorPage("Preview not found", "This preview session does not exist."))
		return
	}
	if !res.TokenOK {
		h.page(c, http.StatusUnauthorized, errorPage("Access denied", "A valid access token is required to view this preview."))
		return
	}

	sess := res.Session
	switch {
	case sess.DeletedAt.Valid || sess.Status == models.StatusStopped:
		h.page(c, http.StatusGone, errorPage("Preview gone", "This preview session was stopped or has expired."))
		return
	case sess.Status == models.StatusFailed:
		h.page(c, http.StatusBadGateway, errorPage("Preview failed", "The preview could not be started. Check the session status for details."))
		return
	case sess.Status != models.StatusReady:
		c.Header("Refresh", "3")
		h.page(c, http.StatusAccepted, loadingPage(string(sess.Status)))
		return
	}

	port := res.Port
	if !res.Valid {
		// Ready on another instance (or a dead one): take it over here.
		recovered, err := h.sessions.Recover(c.Request.Context(), id)
		if err != nil {
			h.logger.WithSessionID(id).WithError(err).Warn("session recovery failed")
			c.Header("Refresh", "5")
			h.page(c, http.StatusAccepted, retryPage())
			return
		}
		port = recovered
	}

	h.sessions.UpdateActivity(c.Request.Context(), id)
	if fromQuery {
		h.setAuthCookie(c, id, accessToken)
	}

	if IsWebSocketUpgrade(c.Request) {
		ForwardWebSocket(c.Writer, c.Request, h.logger, id, port, subPath)
		return
	}
	h.forwarder.Forward(c.Writer, c.Request, id, port, subPath)
}

func (h *Handler) page(c *gin.Context, status int, html string) {
	c.Data(status, "text/html; charset=utf-8", []byte(html))
}

// setAuthCookie persists the query token so asset fetches and websockets
// authenticate without carrying it in every URL.
func (h *Handler) setAuthCookie(c *gin.Context, id, accessToken string) {
	if h.preview.UseSubdomainRouting {
		// The browser scopes the cookie to the session subdomain; SameSite
		// None plus Secure lets embedded iframes send it.
		c.SetSameSite(http.SameSiteNoneMode)
		c.SetCookie(cookieName(id), accessToken, cookieMaxAge, "/", "", true, true)
		return
	}
	secure := c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https"
	c.SetCookie(cookieName(id), accessToken, cookieMaxAge, "/preview/"+id, "", secure, true)
}

// cookieName derives the per-session cookie from the first 8 characters of
// the id, keeping names short and distinct across sessions.
func cookieName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return CookiePrefix + short
}

package proxy

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewd/previewd/internal/common/config"
	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/db"
	"github.com/previewd/previewd/internal/gitclone"
	"github.com/previewd/previewd/internal/process"
	"github.com/previewd/previewd/internal/session"
	"github.com/previewd/previewd/internal/session/models"
	"github.com/previewd/previewd/internal/session/store"
	"github.com/previewd/previewd/internal/workspace"
)

const testInstance = "inst-proxy"

func newTestProxy(t *testing.T) (*gin.Engine, store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	pool, err := db.Open(config.RecordStoreConfig{
		SQLitePath: filepath.Join(t.TempDir(), "sessions.db"),
	})
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	preview := config.PreviewConfig{BaseURL: "http://localhost:8000"}
	sessions := session.NewManager(
		config.SessionConfig{
			IdleTimeout:    1800,
			MaxLifetime:    7200,
			StartupTimeout: 120,
			MaxConcurrent:  20,
			SweepInterval:  60,
			StaleThreshold: 600,
		},
		preview,
		testInstance,
		st,
		workspace.NewManager(t.TempDir(), 5*time.Minute, log),
		gitclone.NewFetcher(time.Minute, log),
		process.NewManager(process.NewAllocator(44100, 44110), process.RoutingEnv{}, log),
		log,
	)

	r := gin.New()
	NewHandler(sessions, preview, log).Register(r)
	return r, st
}

func seedSession(t *testing.T, st store.Store, id string, status models.Status) *models.Session {
	return seedSessionOwnedBy(t, st, id, status, testInstance)
}

func seedSessionOwnedBy(t *testing.T, st store.Store, id string, status models.Status, instance string) *models.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:                id,
		RepoOwner:         "alice",
		RepoName:          "vite-app",
		RepoRef:           "main",
		Status:            status,
		ContainerInstance: sql.NullString{String: instance, Valid: true},
		AccessToken:       "pv_testtoken_testtoken_" + id,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(time.Hour),
	}
	require.NoError(t, st.Create(context.Background(), sess))
	return sess
}

func previewRequest(r *gin.Engine, id, tok string) *httptest.ResponseRecorder {
	url := "/preview/" + id + "/"
	if tok != "" {
		url += "?token=" + tok
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
	return w
}

func TestPreviewMissingToken(t *testing.T) {
	r, st := newTestProxy(t)
	seedSession(t, st, "abc123", models.StatusReady)

	w := previewRequest(r, "abc123", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Access denied")
}

func TestPreviewWrongToken(t *testing.T) {
	r, st := newTestProxy(t)
	seedSession(t, st, "abc123", models.StatusReady)

	w := previewRequest(r, "abc123", "pv_wrongtoken_wrongtoken")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPreviewUnknownSession(t *testing.T) {
	r, _ := newTestProxy(t)

	w := previewRequest(r, "nosuchsession", "pv_testtoken_testtoken_x")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestPreviewStoppedSessionIsGone(t *testing.T) {
	r, st := newTestProxy(t)
	seeded := seedSession(t, st, "abc123", models.StatusReady)
	_, err := st.SoftDelete(context.Background(), "abc123")
	require.NoError(t, err)

	w := previewRequest(r, "abc123", seeded.AccessToken)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestPreviewFailedSession(t *testing.T) {
	r, st := newTestProxy(t)
	seeded := seedSession(t, st, "abc123", models.StatusFailed)

	w := previewRequest(r, "abc123", seeded.AccessToken)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestPreviewStartingSessionShowsLoadingPage(t *testing.T) {
	r, st := newTestProxy(t)

	for _, status := range []models.Status{
		models.StatusPending, models.StatusCloning, models.StatusInstalling, models.StatusStarting,
	} {
		id := "sess" + string(status)
		seeded := seedSession(t, st, id, status)
		w := previewRequest(r, id, seeded.AccessToken)
		assert.Equal(t, http.StatusAccepted, w.Code, "%s", status)
		assert.Equal(t, "3", w.Header().Get("Refresh"), "loading page auto-refreshes")
		assert.Contains(t, w.Body.String(), string(status))
	}
}

func TestPreviewRecoveryFailureShowsRetryPage(t *testing.T) {
	r, st := newTestProxy(t)

	// Ready on a dead instance: the handler tries to take the session over,
	// the re-clone fails here, and the visitor gets the retry page.
	seeded := seedSessionOwnedBy(t, st, "abc123", models.StatusReady, "inst-dead")

	w := previewRequest(r, "abc123", seeded.AccessToken)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "5", w.Header().Get("Refresh"))
	assert.Contains(t, w.Body.String(), "restored")

	// Recovery claimed the session before failing.
	got, err := st.Get(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, testInstance, got.ContainerInstance.String)
}

func TestErrorPagesCarryNoRequestData(t *testing.T) {
	r, _ := newTestProxy(t)

	// A hostile id never echoes back into the page body.
	w := previewRequest(r, "scriptalertxss", "pv_testtoken_testtoken_x")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), "scriptalertxss")
}

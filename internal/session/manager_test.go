package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewd/previewd/internal/common/config"
	apperrors "github.com/previewd/previewd/internal/common/errors"
	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/db"
	"github.com/previewd/previewd/internal/gitclone"
	"github.com/previewd/previewd/internal/process"
	"github.com/previewd/previewd/internal/session/models"
	"github.com/previewd/previewd/internal/session/store"
	"github.com/previewd/previewd/internal/workspace"
)

const testInstance = "inst-test"

func newTestManager(t *testing.T, preview config.PreviewConfig) (*Manager, store.Store) {
	t.Helper()
	log := logger.Default()

	pool, err := db.Open(config.RecordStoreConfig{
		SQLitePath: filepath.Join(t.TempDir(), "sessions.db"),
	})
	require.NoError(t, err)
	st, err := store.New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.SessionConfig{
		IdleTimeout:    1800,
		MaxLifetime:    7200,
		StartupTimeout: 120,
		MaxConcurrent:  20,
		SweepInterval:  60,
		StaleThreshold: 600,
	}
	m := NewManager(
		cfg,
		preview,
		testInstance,
		st,
		workspace.NewManager(t.TempDir(), 5*time.Minute, log),
		gitclone.NewFetcher(time.Minute, log),
		process.NewManager(process.NewAllocator(43000, 43010), process.RoutingEnv{}, log),
		log,
	)
	return m, st
}

func seedSession(t *testing.T, st store.Store, id string, status models.Status, instance string) *models.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:             id,
		RepoOwner:      "alice",
		RepoName:       "vite-app",
		RepoRef:        "main",
		Status:         status,
		AccessToken:    "pv_testtoken_testtoken_" + id,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(time.Hour),
	}
	if instance != "" {
		sess.ContainerInstance = sql.NullString{String: instance, Valid: true}
	}
	require.NoError(t, st.Create(context.Background(), sess))
	return sess
}

func TestCreateRejectsBadInput(t *testing.T) {
	m, _ := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()

	_, _, err := m.Create(ctx, "-bad-owner", "repo", "main", "", false)
	assert.Error(t, err)
	_, _, err = m.Create(ctx, "alice", "repo/../../etc", "main", "", false)
	assert.Error(t, err)
	_, _, err = m.Create(ctx, "alice", "repo", "bad..ref", "", false)
	assert.Error(t, err)
}

func TestCreateReusesExistingSession(t *testing.T) {
	m, st := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()

	seeded := seedSession(t, st, "existing1", models.StatusReady, testInstance)

	sess, reused, err := m.Create(ctx, "alice", "vite-app", "main", "", false)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, seeded.ID, sess.ID)
}

func TestCreateReusesAcrossInstances(t *testing.T) {
	m, st := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()

	seeded := seedSession(t, st, "remote1", models.StatusReady, "inst-other")

	sess, reused, err := m.Create(ctx, "alice", "vite-app", "main", "", false)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, seeded.ID, sess.ID)
}

func TestPreviewURL(t *testing.T) {
	pathMode, _ := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000/"})
	sess := &models.Session{ID: "abc123", Status: models.StatusReady, AccessToken: "pv_tok"}
	assert.Equal(t, "http://localhost:8000/preview/abc123/?token=pv_tok", pathMode.PreviewURL(sess))

	subMode, _ := newTestManager(t, config.PreviewConfig{
		PreviewDomain:       "preview.example.com",
		UseSubdomainRouting: true,
	})
	assert.Equal(t, "https://abc123.preview.example.com/?token=pv_tok", subMode.PreviewURL(sess))

	// No URL until the session is ready.
	sess.Status = models.StatusStarting
	assert.Empty(t, pathMode.PreviewURL(sess))
}

func TestValidateAccess(t *testing.T) {
	m, st := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		res, err := m.ValidateAccess(ctx, "nosuchsession", "pv_whatever")
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Nil(t, res.Session)
	})

	t.Run("wrong token", func(t *testing.T) {
		seedSession(t, st, "s1", models.StatusReady, testInstance)
		res, err := m.ValidateAccess(ctx, "s1", "pv_wrong")
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.False(t, res.TokenOK)
		require.NotNil(t, res.Session)
	})

	t.Run("valid token but no local process", func(t *testing.T) {
		seeded := seedSession(t, st, "s2", models.StatusReady, testInstance)
		res, err := m.ValidateAccess(ctx, "s2", seeded.AccessToken)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.True(t, res.TokenOK)
	})

	t.Run("valid token but not ready", func(t *testing.T) {
		seeded := seedSession(t, st, "s3", models.StatusInstalling, testInstance)
		res, err := m.ValidateAccess(ctx, "s3", seeded.AccessToken)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.True(t, res.TokenOK)
		assert.Equal(t, models.StatusInstalling, res.Session.Status)
	})

	t.Run("stopped session still visible", func(t *testing.T) {
		seeded := seedSession(t, st, "s4", models.StatusReady, testInstance)
		_, err := st.SoftDelete(ctx, "s4")
		require.NoError(t, err)
		res, err := m.ValidateAccess(ctx, "s4", seeded.AccessToken)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		require.NotNil(t, res.Session, "tombstones surface so the proxy can answer 410")
		assert.True(t, res.Session.DeletedAt.Valid)
	})
}

func TestStopUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})

	deleted, err := m.Stop(context.Background(), "nosuchsession")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = m.Stop(context.Background(), "../bad")
	assert.Error(t, err)
}

func TestStopSoftDeletesRecord(t *testing.T) {
	m, st := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()
	seedSession(t, st, "s1", models.StatusReady, testInstance)

	deleted, err := m.Stop(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Second stop is a no-op.
	deleted, err = m.Stop(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRecoverUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})

	_, err := m.Recover(context.Background(), "nosuchsession")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeNotFound, appErr.Code)
}

func TestRecoverRefusesWhileSetupInFlight(t *testing.T) {
	m, st := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()
	seedSession(t, st, "busy1", models.StatusReady, "inst-other")

	task, err := m.registerSetup("busy1", "")
	require.NoError(t, err)

	_, err = m.Recover(ctx, "busy1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)

	// The refusal happens before the claim, so the losing caller leaves
	// the record untouched.
	got, err := st.Get(ctx, "busy1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, "inst-other", got.ContainerInstance.String)

	m.releaseSetup("busy1", task)

	// Once the in-flight setup is gone the id can be registered again.
	task, err = m.registerSetup("busy1", "")
	require.NoError(t, err)
	m.releaseSetup("busy1", task)
}

func TestRegisterSetupIsExclusive(t *testing.T) {
	m, _ := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})

	task, err := m.registerSetup("s1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	conflicts := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.registerSetup("s1", ""); err != nil {
				conflicts <- err
			}
		}()
	}
	wg.Wait()
	close(conflicts)

	n := 0
	for err := range conflicts {
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
		n++
	}
	assert.Equal(t, 8, n, "every racing registration loses to the holder")
	m.releaseSetup("s1", task)
}

func TestRecoverClaimsSessionFromDeadInstance(t *testing.T) {
	m, st := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()
	seedSession(t, st, "recover1", models.StatusReady, "inst-dead")

	// The clone cannot succeed here, so recovery runs to failure. The
	// claim must still have landed on this instance.
	_, err := m.Recover(ctx, "recover1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeUpstreamFailed, appErr.Code)

	got, err := st.Get(ctx, "recover1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, testInstance, got.ContainerInstance.String)
	assert.Contains(t, got.ErrorMessage.String, "Recovery failed")
}

func TestGetValidatesID(t *testing.T) {
	m, st := newTestManager(t, config.PreviewConfig{BaseURL: "http://localhost:8000"})
	ctx := context.Background()

	_, err := m.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)

	seedSession(t, st, "s1", models.StatusPending, testInstance)
	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
}

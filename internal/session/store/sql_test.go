package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewd/previewd/internal/common/config"
	"github.com/previewd/previewd/internal/db"
	"github.com/previewd/previewd/internal/session/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	pool, err := db.Open(config.RecordStoreConfig{
		SQLitePath: filepath.Join(t.TempDir(), "sessions.db"),
	})
	require.NoError(t, err)
	s, err := New(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeSession(id string, status models.Status) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:             id,
		RepoOwner:      "alice",
		RepoName:       "vite-app",
		RepoRef:        "main",
		Status:         status,
		AccessToken:    "pv_token_" + id,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(2 * time.Hour),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, makeSession("s1", models.StatusPending)))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.RepoOwner)
	assert.Equal(t, "vite-app", got.RepoName)
	assert.Equal(t, "main", got.RepoRef)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "pv_token_s1", got.AccessToken)
	assert.False(t, got.DeletedAt.Valid)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, makeSession("s1", models.StatusReady)))

	got, err := s.GetByToken(ctx, "pv_token_s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)

	missing, err := s.GetByToken(ctx, "pv_other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, makeSession("s1", models.StatusStarting)))

	status := models.StatusReady
	port := 3005
	got, err := s.Update(ctx, "s1", models.Patch{Status: &status, InternalPort: &port})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, 3005, got.Port())

	// Port zero clears the column.
	zero := 0
	got, err = s.Update(ctx, "s1", models.Patch{InternalPort: &zero})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.InternalPort.Valid)

	// Updating a missing record reports nil rather than an error.
	got, err = s.Update(ctx, "nope", models.Patch{Status: &status})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateStatusWithError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, makeSession("s1", models.StatusInstalling)))

	got, err := s.UpdateStatus(ctx, "s1", models.StatusFailed, "install failed: exit 1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "install failed: exit 1", got.ErrorMessage.String)
}

func TestUpdateActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := makeSession("s1", models.StatusReady)
	sess.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, sess))

	require.NoError(t, s.UpdateActivity(ctx, "s1"))
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), got.LastActivityAt, 10*time.Second)
}

func TestSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, makeSession("s1", models.StatusReady)))

	deleted, err := s.SoftDelete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)

	// Idempotent: the tombstone is not deleted twice.
	deleted, err = s.SoftDelete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, deleted)

	// Regular reads skip the tombstone, GetAny still sees it.
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	any, err := s.GetAny(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, any)
	assert.Equal(t, models.StatusStopped, any.Status)
	assert.True(t, any.DeletedAt.Valid)

	// Tombstones accept no further updates.
	status := models.StatusReady
	updated, err := s.Update(ctx, "s1", models.Patch{Status: &status})
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestListActiveAndForInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := makeSession("a", models.StatusReady)
	a.ContainerInstance = nullString("inst-1")
	b := makeSession("b", models.StatusCloning)
	b.ContainerInstance = nullString("inst-2")
	c := makeSession("c", models.StatusFailed)
	c.ContainerInstance = nullString("inst-1")
	for _, sess := range []*models.Session{a, b, c} {
		require.NoError(t, s.Create(ctx, sess))
	}
	_, err := s.SoftDelete(ctx, "b")
	require.NoError(t, err)

	active, err := s.ListActive(ctx, "", 50)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	mine, err := s.ListForInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a", mine[0].ID)

	other, err := s.ListForInstance(ctx, "inst-3")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFindExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := makeSession("old", models.StatusReady)
	old.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	fresh := makeSession("fresh", models.StatusReady)
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, fresh))

	expired, err := s.FindExpired(ctx, 50)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
}

func TestFindIdle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idle := makeSession("idle", models.StatusReady)
	idle.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	busy := makeSession("busy", models.StatusReady)
	pending := makeSession("pending", models.StatusPending)
	pending.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	for _, sess := range []*models.Session{idle, busy, pending} {
		require.NoError(t, s.Create(ctx, sess))
	}

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	got, err := s.FindIdle(ctx, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, got, 1, "only ready sessions count as idle")
	assert.Equal(t, "idle", got[0].ID)
}

func TestFindActiveForRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := makeSession("older", models.StatusReady)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	older.ContainerInstance = nullString("inst-1")
	newer := makeSession("newer", models.StatusReady)
	newer.ContainerInstance = nullString("inst-2")
	expired := makeSession("expired", models.StatusReady)
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	otherRef := makeSession("other-ref", models.StatusReady)
	otherRef.RepoRef = "develop"
	for _, sess := range []*models.Session{older, newer, expired, otherRef} {
		require.NoError(t, s.Create(ctx, sess))
	}

	got, err := s.FindActiveForRepo(ctx, "alice", "vite-app", "main", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newer", got[0].ID, "newest first")
	assert.Equal(t, "older", got[1].ID)

	mine, err := s.FindActiveForRepo(ctx, "alice", "vite-app", "main", "inst-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "older", mine[0].ID)
}

func TestClaimOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := makeSession("stale", models.StatusReady)
	stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	stale.ContainerInstance = sql.NullString{String: "inst-dead", Valid: true}
	fresh := makeSession("fresh", models.StatusReady)
	failed := makeSession("failed", models.StatusFailed)
	failed.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	for _, sess := range []*models.Session{stale, fresh, failed} {
		require.NoError(t, s.Create(ctx, sess))
	}

	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	claimed, err := s.ClaimOrphans(ctx, "inst-new", cutoff)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "stale", claimed[0].ID)
	assert.Equal(t, models.StatusReady, claimed[0].Status, "claimed records carry their pre-claim status")
	assert.Equal(t, "inst-dead", claimed[0].ContainerInstance.String, "claimed records carry the dead instance")

	got, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage.String, "orphaned")
	assert.Equal(t, "inst-new", got.ContainerInstance.String, "the claimer takes ownership of the failed row")

	got, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
}

func TestPurgeDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old-tomb", "new-tomb", "live"} {
		require.NoError(t, s.Create(ctx, makeSession(id, models.StatusReady)))
	}
	_, err := s.SoftDelete(ctx, "old-tomb")
	require.NoError(t, err)
	_, err = s.SoftDelete(ctx, "new-tomb")
	require.NoError(t, err)

	// Only tombstones older than the cutoff go away. Both were deleted just
	// now, so a past cutoff purges nothing.
	n, err := s.PurgeDeleted(ctx, time.Now().UTC().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.PurgeDeleted(ctx, time.Now().UTC().Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	live, err := s.Get(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, live)
	gone, err := s.GetAny(ctx, "old-tomb")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}

// Package session implements the session lifecycle engine: creation and
// reuse, the asynchronous setup state machine, access validation, recovery
// of sessions owned by dead instances, and the periodic sweepers.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/previewd/previewd/internal/common/config"
	apperrors "github.com/previewd/previewd/internal/common/errors"
	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/common/token"
	"github.com/previewd/previewd/internal/gitclone"
	"github.com/previewd/previewd/internal/process"
	"github.com/previewd/previewd/internal/session/models"
	"github.com/previewd/previewd/internal/session/store"
	"github.com/previewd/previewd/internal/workspace"
)

// setupTask tracks one asynchronous session setup.
type setupTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// AccessResult is the outcome of a preview access check. Valid means the
// request may be proxied right now; TokenOK distinguishes a wrong token
// from a session that is merely not ready on this instance.
type AccessResult struct {
	Valid   bool
	TokenOK bool
	Session *models.Session
	Port    int
}

// Manager orchestrates the workspace, process, and fetch subsystems around
// the shared record store.
type Manager struct {
	cfg        config.SessionConfig
	preview    config.PreviewConfig
	instanceID string

	store      store.Store
	workspaces *workspace.Manager
	fetcher    *gitclone.Fetcher
	processes  *process.Manager
	logger     *logger.Logger

	mu     sync.Mutex
	tasks  map[string]*setupTask
	tokens map[string]string // session id -> clone token, setup lifetime only

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager wires the session manager. instanceID identifies this process
// in the shared record store; it must be unique per boot.
func NewManager(
	cfg config.SessionConfig,
	preview config.PreviewConfig,
	instanceID string,
	st store.Store,
	workspaces *workspace.Manager,
	fetcher *gitclone.Fetcher,
	processes *process.Manager,
	log *logger.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		preview:    preview,
		instanceID: instanceID,
		store:      st,
		workspaces: workspaces,
		fetcher:    fetcher,
		processes:  processes,
		logger:     log,
		tasks:      make(map[string]*setupTask),
		tokens:     make(map[string]string),
	}
}

// InstanceID returns this instance's identifier.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Create starts (or reuses) a session for owner/name at ref. When forceNew
// is false, the most recent active non-expired session for the same triple
// is reused, preferring one owned by this instance. The optional cloneToken
// is held only in memory for the duration of setup.
func (m *Manager) Create(ctx context.Context, owner, name, ref, cloneToken string, forceNew bool) (*models.Session, bool, error) {
	if err := token.ValidateRepoOwner(owner); err != nil {
		return nil, false, err
	}
	if err := token.ValidateRepoName(name); err != nil {
		return nil, false, err
	}
	if err := token.ValidateRef(ref); err != nil {
		return nil, false, err
	}

	if !forceNew {
		if existing, err := m.findReusable(ctx, owner, name, ref); err != nil {
			return nil, false, err
		} else if existing != nil {
			if err := m.store.UpdateActivity(ctx, existing.ID); err != nil {
				m.logger.WithError(err).Warn("failed to bump activity on reused session")
			}
			return existing, true, nil
		}
	}

	m.mu.Lock()
	running := len(m.tasks)
	m.mu.Unlock()
	if running+m.processes.Count() >= m.cfg.MaxConcurrent {
		return nil, false, apperrors.ServiceUnavailable("session capacity reached on this instance")
	}

	accessToken, err := token.Generate()
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:                token.NewSessionID(),
		RepoOwner:         owner,
		RepoName:          name,
		RepoRef:           ref,
		Status:            models.StatusPending,
		ContainerInstance: sql.NullString{String: m.instanceID, Valid: true},
		AccessToken:       accessToken,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(m.cfg.MaxLifetimeDuration()),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, false, apperrors.Wrap(err, "failed to persist session")
	}

	if _, err := m.startSetup(sess, cloneToken, false); err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

// findReusable returns the most recent active non-expired session matching
// the triple: first one owned by this instance, then any instance.
func (m *Manager) findReusable(ctx context.Context, owner, name, ref string) (*models.Session, error) {
	owned, err := m.store.FindActiveForRepo(ctx, owner, name, ref, m.instanceID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to look up existing sessions")
	}
	if len(owned) > 0 {
		return owned[0], nil
	}
	any, err := m.store.FindActiveForRepo(ctx, owner, name, ref, "")
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to look up existing sessions")
	}
	if len(any) > 0 {
		return any[0], nil
	}
	return nil, nil
}

// Get returns the session record, or nil when unknown or soft-deleted.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	if err := token.ValidateSessionID(id); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// List returns the active sessions owned by this instance.
func (m *Manager) List(ctx context.Context) ([]*models.Session, error) {
	return m.store.ListForInstance(ctx, m.instanceID)
}

// PreviewURL renders the public URL for a ready session, including the
// access token as a query parameter for the first hit.
func (m *Manager) PreviewURL(sess *models.Session) string {
	if sess.Status != models.StatusReady {
		return ""
	}
	if m.preview.UseSubdomainRouting {
		return fmt.Sprintf("https://%s.%s/?token=%s", sess.ID, m.preview.PreviewDomain, sess.AccessToken)
	}
	base := strings.TrimRight(m.preview.BaseURL, "/")
	return fmt.Sprintf("%s/preview/%s/?token=%s", base, sess.ID, sess.AccessToken)
}

// Stop cancels any setup in flight, terminates the owned process, removes
// the workspace, and soft-deletes the record. Idempotent; returns false
// when the session was already gone.
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	if err := token.ValidateSessionID(id); err != nil {
		return false, err
	}

	m.mu.Lock()
	task := m.tasks[id]
	m.mu.Unlock()
	if task != nil {
		task.cancel()
		<-task.done
	}

	m.processes.Stop(id)
	if _, err := m.workspaces.Cleanup(id); err != nil {
		m.logger.WithSessionID(id).WithError(err).Warn("workspace cleanup failed during stop")
	}

	deleted, err := m.store.SoftDelete(ctx, id)
	if err != nil {
		return false, apperrors.Wrap(err, "failed to delete session record")
	}
	return deleted, nil
}

// UpdateActivity bumps last_activity_at; called on every proxy hit.
func (m *Manager) UpdateActivity(ctx context.Context, id string) {
	if err := m.store.UpdateActivity(ctx, id); err != nil {
		m.logger.WithSessionID(id).WithError(err).Warn("failed to update session activity")
	}
}

// ValidateAccess checks an access token against a session in constant time.
// Access is granted only for ready sessions owned by this instance; the
// returned port comes from the process manager, never from the record.
func (m *Manager) ValidateAccess(ctx context.Context, id, accessToken string) (*AccessResult, error) {
	if err := token.ValidateSessionID(id); err != nil {
		return &AccessResult{}, nil
	}
	sess, err := m.store.GetAny(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &AccessResult{}, nil
	}
	if !token.ValidFormat(accessToken) || !token.Equal(accessToken, sess.AccessToken) {
		return &AccessResult{Session: sess}, nil
	}
	if sess.Status != models.StatusReady || !sess.OwnedBy(m.instanceID) {
		return &AccessResult{TokenOK: true, Session: sess}, nil
	}
	port := m.processes.Port(id)
	if port == 0 {
		return &AccessResult{TokenOK: true, Session: sess}, nil
	}
	return &AccessResult{Valid: true, TokenOK: true, Session: sess, Port: port}, nil
}

// Recover re-runs setup for a ready session owned by another instance and
// claims it. The clone is public: tokens are never persisted, so recovery
// of private repositories is impossible by design.
func (m *Manager) Recover(ctx context.Context, id string) (int, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if sess == nil {
		return 0, apperrors.NotFound("session", id)
	}

	// Registration is the exclusivity gate: it must happen before the claim
	// patch, so a concurrent recovery of the same id gets a Conflict instead
	// of a second setup tearing down the first one's workspace.
	task, err := m.registerSetup(id, "")
	if err != nil {
		return 0, err
	}

	m.logger.WithSessionID(id).Info("recovering session from another instance",
		zap.String("previous_instance", sess.ContainerInstance.String))

	status := models.StatusStarting
	instance := m.instanceID
	if _, err := m.store.Update(ctx, id, models.Patch{
		Status:            &status,
		ContainerInstance: &instance,
	}); err != nil {
		m.releaseSetup(id, task)
		return 0, apperrors.Wrap(err, "failed to claim session")
	}
	sess.Status = status
	sess.ContainerInstance = sql.NullString{String: instance, Valid: true}

	m.launchSetup(task, sess, true)
	<-task.done

	if port := m.processes.Port(id); port > 0 {
		return port, nil
	}
	return 0, apperrors.UpstreamFailed("recovery failed", nil)
}

// Shutdown cancels setup tasks, stops the sweepers, terminates every
// process, and removes all workspaces. Ready records are left in the store
// so surviving instances can recover them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopSweepers()

	m.mu.Lock()
	tasks := make([]*setupTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			t.cancel()
			select {
			case <-t.done:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()

	m.processes.StopAll()
	if err := m.workspaces.CleanupAll(); err != nil {
		m.logger.WithError(err).Warn("workspace cleanup failed during shutdown")
	}
	m.logger.Info("session manager shut down")
}

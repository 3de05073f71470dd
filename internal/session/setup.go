package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/previewd/previewd/internal/common/errors"
	"github.com/previewd/previewd/internal/session/models"
)

// startSetup registers and launches the asynchronous setup task for a
// session. The optional clone token lives in the in-memory map for the
// lifetime of the task and is never persisted. A session with a setup
// already in flight gets a Conflict.
func (m *Manager) startSetup(sess *models.Session, cloneToken string, recovery bool) (*setupTask, error) {
	task, err := m.registerSetup(sess.ID, cloneToken)
	if err != nil {
		return nil, err
	}
	m.launchSetup(task, sess, recovery)
	return task, nil
}

// registerSetup inserts the task into the tracking map. The check and the
// insert happen under one lock acquisition, so exactly one caller per
// session id gets past this point while a setup is in flight.
func (m *Manager) registerSetup(id, cloneToken string) (*setupTask, error) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &setupTask{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[id]; exists {
		cancel()
		return nil, apperrors.Conflict("session setup already in progress")
	}
	m.tasks[id] = task
	if cloneToken != "" {
		m.tokens[id] = cloneToken
	}
	return task, nil
}

// releaseSetup abandons a registered task whose setup never launched.
func (m *Manager) releaseSetup(id string, task *setupTask) {
	m.mu.Lock()
	delete(m.tasks, id)
	delete(m.tokens, id)
	m.mu.Unlock()
	task.cancel()
	close(task.done)
}

// launchSetup runs the setup goroutine for a registered task.
func (m *Manager) launchSetup(task *setupTask, sess *models.Session, recovery bool) {
	go func() {
		defer close(task.done)
		defer func() {
			m.mu.Lock()
			delete(m.tasks, sess.ID)
			delete(m.tokens, sess.ID)
			m.mu.Unlock()
		}()
		m.runSetup(task.ctx, sess, recovery)
	}()
}

// runSetup drives the state machine:
//
//	pending -> cloning -> installing -> starting -> ready
//	                                            -> failed
//
// Each status is written before the work of that state begins, so observers
// see progress. Recovery runs the same phases under a single "starting"
// status, since the record already went through them once.
func (m *Manager) runSetup(ctx context.Context, sess *models.Session, recovery bool) {
	id := sess.ID
	log := m.logger.WithSessionID(id).WithRepo(sess.RepoOwner, sess.RepoName, sess.RepoRef)
	begin := time.Now()

	m.mu.Lock()
	cloneToken := m.tokens[id]
	m.mu.Unlock()

	// Clone phase.
	if !recovery {
		if !m.setStatus(ctx, id, models.StatusCloning) {
			m.cleanupSetup(id, "setup canceled")
			return
		}
	}
	wsPath, err := m.workspaces.Create(id)
	if err != nil {
		// Recovery may find leftovers from a previous life of this id.
		if recovery {
			_, _ = m.workspaces.Cleanup(id)
			wsPath, err = m.workspaces.Create(id)
		}
		if err != nil {
			m.failSetup(id, "Failed to prepare workspace: "+err.Error())
			return
		}
	}
	cloneRes, err := m.fetcher.CloneWithFallback(ctx, wsPath, sess.RepoOwner, sess.RepoName, sess.RepoRef, cloneToken)
	if err != nil {
		m.failSetup(id, failureMessage(recovery, "Clone failed: "+err.Error()))
		return
	}
	log.Info("repository cloned",
		zap.String("commit", cloneRes.CommitSHA),
		zap.String("branch", cloneRes.Ref))
	if ctx.Err() != nil {
		m.cleanupSetup(id, "setup canceled")
		return
	}

	// Install phase.
	if !recovery {
		if !m.setStatus(ctx, id, models.StatusInstalling) {
			m.cleanupSetup(id, "setup canceled")
			return
		}
	}
	info, err := m.workspaces.Prepare(ctx, wsPath)
	if err != nil {
		m.failSetup(id, failureMessage(recovery, "Install failed: "+err.Error()))
		return
	}
	if ctx.Err() != nil {
		m.cleanupSetup(id, "setup canceled")
		return
	}

	// Start phase.
	if !recovery {
		if !m.setStatus(ctx, id, models.StatusStarting) {
			m.cleanupSetup(id, "setup canceled")
			return
		}
	}
	proc, err := m.processes.Start(id, info)
	if err != nil {
		m.failSetup(id, failureMessage(recovery, "Start failed: "+err.Error()))
		return
	}
	m.recordPort(id, proc.Port)

	if err := m.processes.WaitReady(ctx, proc, m.cfg.StartupTimeoutDuration()); err != nil {
		if ctx.Err() != nil {
			m.cleanupSetup(id, "setup canceled")
			return
		}
		m.failSetup(id, failureMessage(recovery, "Dev server failed to start: "+err.Error()))
		return
	}

	// Ready.
	status := models.StatusReady
	port := proc.Port
	if _, err := m.store.Update(context.Background(), id, models.Patch{
		Status:       &status,
		InternalPort: &port,
	}); err != nil {
		log.WithError(err).Error("failed to mark session ready")
		m.failSetup(id, "Failed to persist ready state")
		return
	}
	log.Info("session ready",
		zap.Int("port", proc.Port),
		zap.Duration("took", time.Since(begin)))
}

// setStatus writes a phase transition. Returns false when the setup was
// canceled, which short-circuits to cleanup.
func (m *Manager) setStatus(ctx context.Context, id string, status models.Status) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, err := m.store.UpdateStatus(context.Background(), id, status, ""); err != nil {
		m.logger.WithSessionID(id).WithError(err).Error("failed to write session status",
			zap.String("status", string(status)))
		return false
	}
	return true
}

// recordPort persists the allocated port and this instance as owner.
func (m *Manager) recordPort(id string, port int) {
	instance := m.instanceID
	if _, err := m.store.Update(context.Background(), id, models.Patch{
		InternalPort:      &port,
		ContainerInstance: &instance,
	}); err != nil {
		m.logger.WithSessionID(id).WithError(err).Warn("failed to persist dev server port")
	}
}

// failSetup terminates any partial process, removes the workspace, and
// records the failure on the session.
func (m *Manager) failSetup(id, message string) {
	m.logger.WithSessionID(id).Warn("session setup failed", zap.String("reason", message))
	m.releaseResources(id)
	if _, err := m.store.UpdateStatus(context.Background(), id, models.StatusFailed, message); err != nil {
		m.logger.WithSessionID(id).WithError(err).Error("failed to record setup failure")
	}
}

// cleanupSetup handles cancellation: resources are released, and the status
// is only written when the record still exists. A soft-deleted session
// keeps its tombstone untouched.
func (m *Manager) cleanupSetup(id, message string) {
	m.releaseResources(id)
	sess, err := m.store.Get(context.Background(), id)
	if err != nil || sess == nil {
		return
	}
	if sess.Status.IsActive() {
		if _, err := m.store.UpdateStatus(context.Background(), id, models.StatusFailed, message); err != nil {
			m.logger.WithSessionID(id).WithError(err).Warn("failed to record canceled setup")
		}
	}
}

func (m *Manager) releaseResources(id string) {
	m.processes.Stop(id)
	if _, err := m.workspaces.Cleanup(id); err != nil {
		m.logger.WithSessionID(id).WithError(err).Warn("workspace cleanup failed")
	}
}

// failureMessage prefixes recovery failures so operators can tell a failed
// re-clone (often a private repository) from a failed first setup.
func failureMessage(recovery bool, msg string) string {
	if recovery {
		return "Recovery failed: " + msg
	}
	return msg
}

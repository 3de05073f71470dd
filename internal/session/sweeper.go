package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	sweepBatchSize = 100
	purgeRetention = 24 * time.Hour
	purgeBatchSize = 100
)

// StartSweepers launches the periodic expiry, idle, and purge jobs. They
// run until Shutdown.
func (m *Manager) StartSweepers() {
	ctx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.cfg.SweepIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpired(ctx)
				m.CleanupIdle(ctx)
				m.purgeTombstones(ctx)
			}
		}
	}()
}

func (m *Manager) stopSweepers() {
	if m.sweepCancel != nil {
		m.sweepCancel()
		<-m.sweepDone
	}
}

// CleanupExpired stops sessions past their hard lifetime cap. Sessions
// owned elsewhere only have their records tombstoned; the owning instance
// reaps its own process when its sweeper runs, or it is already gone.
func (m *Manager) CleanupExpired(ctx context.Context) {
	expired, err := m.store.FindExpired(ctx, sweepBatchSize)
	if err != nil {
		m.logger.WithError(err).Warn("expiry sweep failed")
		return
	}
	for _, sess := range expired {
		if sess.OwnedBy(m.instanceID) {
			if _, err := m.Stop(ctx, sess.ID); err != nil {
				m.logger.WithSessionID(sess.ID).WithError(err).Warn("failed to stop expired session")
			}
			continue
		}
		if _, err := m.store.SoftDelete(ctx, sess.ID); err != nil {
			m.logger.WithSessionID(sess.ID).WithError(err).Warn("failed to delete expired session record")
		}
	}
	if len(expired) > 0 {
		m.logger.Info("expired sessions swept", zap.Int("count", len(expired)))
	}
}

// CleanupIdle stops ready sessions owned by this instance with no proxy
// traffic past the idle threshold.
func (m *Manager) CleanupIdle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.IdleTimeoutDuration())
	idle, err := m.store.FindIdle(ctx, cutoff, sweepBatchSize)
	if err != nil {
		m.logger.WithError(err).Warn("idle sweep failed")
		return
	}
	stopped := 0
	for _, sess := range idle {
		if !sess.OwnedBy(m.instanceID) {
			continue
		}
		if _, err := m.Stop(ctx, sess.ID); err != nil {
			m.logger.WithSessionID(sess.ID).WithError(err).Warn("failed to stop idle session")
			continue
		}
		stopped++
	}
	if stopped > 0 {
		m.logger.Info("idle sessions swept", zap.Int("count", stopped))
	}
}

// purgeTombstones hard-deletes soft-deleted records older than the
// retention window.
func (m *Manager) purgeTombstones(ctx context.Context) {
	before := time.Now().UTC().Add(-purgeRetention)
	n, err := m.store.PurgeDeleted(ctx, before, purgeBatchSize)
	if err != nil {
		m.logger.WithError(err).Warn("tombstone purge failed")
		return
	}
	if n > 0 {
		m.logger.Info("old session tombstones purged", zap.Int("count", n))
	}
}

// RecoverOnStartup marks stale active records as failed. A record nobody
// updated within the staleness threshold belonged to an instance that died;
// its workspace and process are gone with that host.
func (m *Manager) RecoverOnStartup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleThresholdDuration())
	orphans, err := m.store.ClaimOrphans(ctx, m.instanceID, cutoff)
	if err != nil {
		m.logger.WithError(err).Warn("startup orphan scan failed")
		return
	}
	for _, sess := range orphans {
		m.logger.WithSessionID(sess.ID).Info("orphaned session marked failed",
			zap.String("previous_status", string(sess.Status)),
			zap.String("previous_instance", sess.ContainerInstance.String))
	}
}

// Package workspace prepares per-session filesystem trees: it creates and
// destroys workspace directories, detects the package manager and framework
// of a cloned tree, installs dependencies, and picks the dev-server command.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/common/token"
)

// Manager owns the workspace base directory. Workspaces are cache: losing
// them on instance death is expected and recoverable.
type Manager struct {
	baseDir        string
	installTimeout time.Duration
	logger         *logger.Logger
}

// NewManager creates a workspace manager rooted at baseDir.
func NewManager(baseDir string, installTimeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{baseDir: baseDir, installTimeout: installTimeout, logger: log}
}

// Path returns the workspace directory for a session id without touching
// the filesystem. The id is validated by Create before any directory is
// made, so the mapping is injective and traversal-safe.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.baseDir, sessionID)
}

// Create makes the workspace directory for a session with owner-only
// permissions. It fails if the directory already exists.
func (m *Manager) Create(sessionID string) (string, error) {
	if err := token.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	path := m.Path(sessionID)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("workspace already exists: %s", path)
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o700); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	m.logger.Debug("workspace created", zap.String("session_id", sessionID), zap.String("path", path))
	return path, nil
}

// Cleanup removes the workspace tree. Returns false when nothing existed.
// Calling it twice is safe.
func (m *Manager) Cleanup(sessionID string) (bool, error) {
	if err := token.ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	path := m.Path(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("failed to remove workspace: %w", err)
	}
	m.logger.Debug("workspace removed", zap.String("session_id", sessionID))
	return true, nil
}

// CleanupAll removes every workspace under the base directory. Used during
// instance shutdown.
func (m *Manager) CleanupAll() error {
	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read workspace base directory: %w", err)
	}
	var firstErr error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

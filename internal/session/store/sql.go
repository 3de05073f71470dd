package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/previewd/previewd/internal/db"
	"github.com/previewd/previewd/internal/db/dialect"
	"github.com/previewd/previewd/internal/session/models"
)

const sessionColumns = `id, repo_owner, repo_name, repo_ref, status, error_message,
	internal_port, container_instance, access_token,
	created_at, updated_at, last_activity_at, expires_at, deleted_at`

type sqlStore struct {
	pool *db.Pool
}

var _ Store = (*sqlStore)(nil)

// New creates a Store over the given pool and ensures the schema exists.
func New(pool *db.Pool) (Store, error) {
	s := &sqlStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	driver := s.pool.Writer().DriverName()
	ts := dialect.Timestamp(driver)
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		repo_owner TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		repo_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		internal_port INTEGER,
		container_instance TEXT,
		access_token TEXT NOT NULL,
		created_at %s NOT NULL,
		updated_at %s NOT NULL,
		last_activity_at %s NOT NULL,
		expires_at %s NOT NULL,
		deleted_at %s
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions (repo_owner, repo_name, repo_ref);
	CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions (access_token);
	CREATE INDEX IF NOT EXISTS idx_sessions_instance ON sessions (container_instance);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);
	`, ts, ts, ts, ts, ts)
	_, err := s.pool.Writer().Exec(schema)
	return err
}

func (s *sqlStore) Close() error {
	return s.pool.Close()
}

func activeStatusPlaceholders() (string, []any) {
	placeholders := make([]string, len(models.ActiveStatuses))
	args := make([]any, len(models.ActiveStatuses))
	for i, st := range models.ActiveStatuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

func (s *sqlStore) Create(ctx context.Context, sess *models.Session) error {
	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := w.ExecContext(ctx, query,
		sess.ID, sess.RepoOwner, sess.RepoName, sess.RepoRef, string(sess.Status),
		sess.ErrorMessage, sess.InternalPort, sess.ContainerInstance, sess.AccessToken,
		sess.CreatedAt, sess.UpdatedAt, sess.LastActivityAt, sess.ExpiresAt, sess.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*models.Session, error) {
	r := s.pool.Reader()
	var sess models.Session
	query := r.Rebind(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE id = ? AND deleted_at IS NULL`)
	err := r.GetContext(ctx, &sess, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) GetByToken(ctx context.Context, accessToken string) (*models.Session, error) {
	r := s.pool.Reader()
	var sess models.Session
	query := r.Rebind(`
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE access_token = ? AND deleted_at IS NULL`)
	err := r.GetContext(ctx, &sess, query, accessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) Update(ctx context.Context, id string, patch models.Patch) (*models.Session, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.InternalPort != nil {
		sets = append(sets, "internal_port = ?")
		if *patch.InternalPort == 0 {
			args = append(args, nil)
		} else {
			args = append(args, *patch.InternalPort)
		}
	}
	if patch.ContainerInstance != nil {
		sets = append(sets, "container_instance = ?")
		args = append(args, *patch.ContainerInstance)
	}
	if patch.LastActivityAt != nil {
		sets = append(sets, "last_activity_at = ?")
		args = append(args, patch.LastActivityAt.UTC())
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, patch.ExpiresAt.UTC())
	}
	args = append(args, id)

	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE sessions SET ` + strings.Join(sets, ", ") + `
		WHERE id = ? AND deleted_at IS NULL`)
	res, err := w.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetAny(ctx, id)
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, status models.Status, errorMessage string) (*models.Session, error) {
	patch := models.Patch{Status: &status}
	if errorMessage != "" {
		patch.ErrorMessage = &errorMessage
	}
	return s.Update(ctx, id, patch)
}

func (s *sqlStore) UpdateActivity(ctx context.Context, id string) error {
	now := time.Now().UTC()
	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE sessions SET last_activity_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	_, err := w.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

func (s *sqlStore) SoftDelete(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	w := s.pool.Writer()
	query := w.Rebind(`
		UPDATE sessions SET status = ?, deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	res, err := w.ExecContext(ctx, query, string(models.StatusStopped), now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to soft-delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ListActive(ctx context.Context, instance string, limit int) ([]*models.Session, error) {
	in, args := activeStatusPlaceholders()
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE deleted_at IS NULL AND status IN (` + in + `)`
	if instance != "" {
		query += ` AND container_instance = ?`
		args = append(args, instance)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.selectSessions(ctx, query, args...)
}

func (s *sqlStore) ListForInstance(ctx context.Context, instance string) ([]*models.Session, error) {
	in, args := activeStatusPlaceholders()
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE deleted_at IS NULL AND container_instance = ? AND status IN (` + in + `)
		ORDER BY created_at DESC`
	args = append([]any{instance}, args...)
	return s.selectSessions(ctx, query, args...)
}

func (s *sqlStore) FindExpired(ctx context.Context, limit int) ([]*models.Session, error) {
	in, statusArgs := activeStatusPlaceholders()
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE deleted_at IS NULL AND status IN (` + in + `) AND expires_at < ?
		ORDER BY expires_at ASC LIMIT ?`
	args := append(statusArgs, time.Now().UTC(), limit)
	return s.selectSessions(ctx, query, args...)
}

func (s *sqlStore) FindIdle(ctx context.Context, before time.Time, limit int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE deleted_at IS NULL AND status = ? AND last_activity_at < ?
		ORDER BY last_activity_at ASC LIMIT ?`
	return s.selectSessions(ctx, query, string(models.StatusReady), before.UTC(), limit)
}

func (s *sqlStore) FindActiveForRepo(ctx context.Context, owner, name, ref, instance string) ([]*models.Session, error) {
	in, statusArgs := activeStatusPlaceholders()
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE deleted_at IS NULL
		  AND repo_owner = ? AND repo_name = ? AND repo_ref = ?
		  AND status IN (` + in + `)
		  AND expires_at > ?`
	args := []any{owner, name, ref}
	args = append(args, statusArgs...)
	args = append(args, time.Now().UTC())
	if instance != "" {
		query += ` AND container_instance = ?`
		args = append(args, instance)
	}
	query += ` ORDER BY created_at DESC`
	return s.selectSessions(ctx, query, args...)
}

func (s *sqlStore) ClaimOrphans(ctx context.Context, selfInstance string, staleCutoff time.Time) ([]*models.Session, error) {
	in, statusArgs := activeStatusPlaceholders()
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE deleted_at IS NULL AND status IN (` + in + `) AND updated_at < ?`
	args := append(statusArgs, staleCutoff.UTC())
	stale, err := s.selectSessions(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	// The claimer takes ownership of the failed row, so the record shows
	// which instance adjudicated the orphan. The returned pre-update rows
	// still carry the dead instance for logging.
	now := time.Now().UTC()
	w := s.pool.Writer()
	update := w.Rebind(`
		UPDATE sessions SET status = ?, error_message = ?, container_instance = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	claimed := make([]*models.Session, 0, len(stale))
	for _, sess := range stale {
		if _, err := w.ExecContext(ctx, update,
			string(models.StatusFailed), "orphaned: instance no longer running", selfInstance, now, sess.ID); err != nil {
			return claimed, fmt.Errorf("failed to mark orphan %s: %w", sess.ID, err)
		}
		claimed = append(claimed, sess)
	}
	return claimed, nil
}

func (s *sqlStore) PurgeDeleted(ctx context.Context, before time.Time, limit int) (int, error) {
	w := s.pool.Writer()
	query := w.Rebind(`
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions
			WHERE deleted_at IS NOT NULL AND deleted_at < ?
			ORDER BY deleted_at ASC LIMIT ?
		)`)
	res, err := w.ExecContext(ctx, query, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetAny reads a record including soft-deleted ones. Update callers need the
// post-write row even when a concurrent stop tombstoned it, and the proxy
// maps stopped sessions to 410 instead of 404.
func (s *sqlStore) GetAny(ctx context.Context, id string) (*models.Session, error) {
	r := s.pool.Reader()
	var sess models.Session
	query := r.Rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	err := r.GetContext(ctx, &sess, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) selectSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	r := s.pool.Reader()
	var sessions []*models.Session
	if err := r.SelectContext(ctx, &sessions, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

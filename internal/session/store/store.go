// Package store is the typed gateway over the shared session record store.
// It is the only component other instances' state is visible through.
package store

import (
	"context"
	"time"

	"github.com/previewd/previewd/internal/session/models"
)

// Store defines the record operations the session manager depends on.
// Every write stamps updated_at; every read excludes soft-deleted records.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	// GetAny includes soft-deleted records; the proxy needs them to answer
	// 410 for stopped sessions instead of 404.
	GetAny(ctx context.Context, id string) (*models.Session, error)
	GetByToken(ctx context.Context, accessToken string) (*models.Session, error)
	Update(ctx context.Context, id string, patch models.Patch) (*models.Session, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, errorMessage string) (*models.Session, error)
	UpdateActivity(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string) (bool, error)
	ListActive(ctx context.Context, instance string, limit int) ([]*models.Session, error)
	ListForInstance(ctx context.Context, instance string) ([]*models.Session, error)
	FindExpired(ctx context.Context, limit int) ([]*models.Session, error)
	FindIdle(ctx context.Context, before time.Time, limit int) ([]*models.Session, error)
	FindActiveForRepo(ctx context.Context, owner, name, ref, instance string) ([]*models.Session, error)
	ClaimOrphans(ctx context.Context, selfInstance string, staleCutoff time.Time) ([]*models.Session, error)
	PurgeDeleted(ctx context.Context, before time.Time, limit int) (int, error)
	Close() error
}

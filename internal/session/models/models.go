// Package models defines the session record shared between the manager,
// the store, and the HTTP layer.
package models

import (
	"database/sql"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCloning    Status = "cloning"
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// ActiveStatuses are the states in which a session counts as live.
// Everything else is terminal.
var ActiveStatuses = []Status{
	StatusPending,
	StatusCloning,
	StatusInstalling,
	StatusStarting,
	StatusReady,
}

// IsActive reports whether s is a non-terminal state.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusCloning, StatusInstalling, StatusStarting, StatusReady:
		return true
	}
	return false
}

// Session is one preview instance of one repository at one revision.
// internal_port and container_instance are meaningful only on the instance
// that owns the session; access_token is immutable after creation.
type Session struct {
	ID                string         `db:"id" json:"id"`
	RepoOwner         string         `db:"repo_owner" json:"repo_owner"`
	RepoName          string         `db:"repo_name" json:"repo_name"`
	RepoRef           string         `db:"repo_ref" json:"repo_ref"`
	Status            Status         `db:"status" json:"status"`
	ErrorMessage      sql.NullString `db:"error_message" json:"-"`
	InternalPort      sql.NullInt64  `db:"internal_port" json:"-"`
	ContainerInstance sql.NullString `db:"container_instance" json:"-"`
	AccessToken       string         `db:"access_token" json:"-"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
	LastActivityAt    time.Time      `db:"last_activity_at" json:"last_activity_at"`
	ExpiresAt         time.Time      `db:"expires_at" json:"expires_at"`
	DeletedAt         sql.NullTime   `db:"deleted_at" json:"-"`
}

// IsExpired reports whether the session passed its hard lifetime cap.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// OwnedBy reports whether instance currently claims the session.
func (s *Session) OwnedBy(instance string) bool {
	return s.ContainerInstance.Valid && s.ContainerInstance.String == instance
}

// Port returns the dev-server port, or 0 when unset.
func (s *Session) Port() int {
	if !s.InternalPort.Valid {
		return 0
	}
	return int(s.InternalPort.Int64)
}

// View is the externally visible projection of a session. Port, owning
// instance, and token never leave the process through it.
type View struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	RepoOwner    string    `json:"repo_owner"`
	RepoName     string    `json:"repo_name"`
	RepoRef      string    `json:"repo_ref"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
	PreviewURL   string    `json:"preview_url,omitempty"`
}

// ToView projects the session for API responses. previewURL should be empty
// unless the session is ready.
func (s *Session) ToView(previewURL string) View {
	v := View{
		ID:        s.ID,
		Status:    s.Status,
		RepoOwner: s.RepoOwner,
		RepoName:  s.RepoName,
		RepoRef:   s.RepoRef,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
	if s.ErrorMessage.Valid {
		v.ErrorMessage = s.ErrorMessage.String
	}
	if s.Status == StatusReady {
		v.PreviewURL = previewURL
	}
	return v
}

// Patch is a partial update applied through the store. Nil fields are left
// untouched; immutable fields (id, access_token, created_at) have no patch
// slot at all.
type Patch struct {
	Status            *Status
	ErrorMessage      *string
	InternalPort      *int
	ContainerInstance *string
	LastActivityAt    *time.Time
	ExpiresAt         *time.Time
}

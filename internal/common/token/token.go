// Package token generates and checks preview access tokens and validates
// the repository identifiers that arrive on the public API.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/previewd/previewd/internal/common/errors"
)

// Prefix makes access tokens recognizable in logs and configuration.
const Prefix = "pv_"

// RedactedPlaceholder replaces credential substrings in error output.
const RedactedPlaceholder = "[REDACTED]"

const (
	tokenRandomBytes  = 32
	minTokenBodyChars = 20

	maxOwnerLen = 39
	maxNameLen  = 100
	maxRefLen   = 256
)

// Generate returns a new high-entropy access token: the recognizable prefix
// followed by 32 random bytes in URL-safe base64.
func Generate() (string, error) {
	buf := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.InternalError("failed to generate access token", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewSessionID returns a new session identifier: a UUIDv4 without hyphens,
// safe for use in paths, directory names, and DNS labels.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidFormat reports whether s looks like an access token: the prefix plus
// at least 20 URL-safe base64 characters. It rejects junk before any store
// lookup happens.
func ValidFormat(s string) bool {
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	body := s[len(Prefix):]
	if len(body) < minTokenBodyChars {
		return false
	}
	for _, c := range body {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// Equal compares two secrets in constant time. Both sides are hashed first
// so comparison time does not depend on their lengths or on where a
// mismatch occurs.
func Equal(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// Redact replaces every occurrence of secret in text with a fixed
// placeholder. Empty secrets leave the text unchanged.
func Redact(text, secret string) string {
	if secret == "" {
		return text
	}
	return strings.ReplaceAll(text, secret, RedactedPlaceholder)
}

// ValidateSessionID checks that id is non-empty and contains only
// alphanumerics, hyphens, and underscores. Session ids become filesystem
// path segments, so anything else is rejected.
func ValidateSessionID(id string) error {
	if id == "" {
		return apperrors.ValidationError("session_id", "must not be empty")
	}
	if len(id) > 64 {
		return apperrors.ValidationError("session_id", "too long")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return apperrors.ValidationError("session_id", "contains invalid characters")
		}
	}
	return nil
}

// ValidateRepoOwner checks a GitHub-style account name: at most 39
// characters, alphanumerics and hyphens only, no leading, trailing, or
// doubled hyphen.
func ValidateRepoOwner(owner string) error {
	if owner == "" {
		return apperrors.ValidationError("repo_owner", "must not be empty")
	}
	if len(owner) > maxOwnerLen {
		return apperrors.ValidationError("repo_owner", "too long")
	}
	if strings.HasPrefix(owner, "-") || strings.HasSuffix(owner, "-") {
		return apperrors.ValidationError("repo_owner", "must not start or end with a hyphen")
	}
	if strings.Contains(owner, "--") {
		return apperrors.ValidationError("repo_owner", "must not contain consecutive hyphens")
	}
	for _, c := range owner {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return apperrors.ValidationError("repo_owner", "contains invalid characters")
		}
	}
	return nil
}

// ValidateRepoName checks a repository name: at most 100 characters,
// alphanumerics plus hyphen, underscore, and dot, not starting with a dot.
func ValidateRepoName(name string) error {
	if name == "" {
		return apperrors.ValidationError("repo_name", "must not be empty")
	}
	if len(name) > maxNameLen {
		return apperrors.ValidationError("repo_name", "too long")
	}
	if strings.HasPrefix(name, ".") {
		return apperrors.ValidationError("repo_name", "must not start with a dot")
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return apperrors.ValidationError("repo_name", "contains invalid characters")
		}
	}
	return nil
}

// ValidateRef checks a Git reference against the rules git itself enforces
// for ref names, enough to keep the value safe to pass to a child git
// process.
func ValidateRef(ref string) error {
	if ref == "" {
		return apperrors.ValidationError("repo_ref", "must not be empty")
	}
	if len(ref) > maxRefLen {
		return apperrors.ValidationError("repo_ref", "too long")
	}
	if strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, ".") || strings.HasPrefix(ref, "-") {
		return apperrors.ValidationError("repo_ref", "has an invalid leading character")
	}
	if strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".") || strings.HasSuffix(ref, ".lock") {
		return apperrors.ValidationError("repo_ref", "has an invalid suffix")
	}
	if strings.Contains(ref, "//") || strings.Contains(ref, "..") || strings.Contains(ref, "@{") {
		return apperrors.ValidationError("repo_ref", "contains a forbidden sequence")
	}
	for _, c := range ref {
		if c < 0x20 || c == 0x7f {
			return apperrors.ValidationError("repo_ref", "contains control characters")
		}
		switch c {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return apperrors.ValidationError("repo_ref", "contains forbidden characters")
		}
	}
	return nil
}

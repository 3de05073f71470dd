// Package gitclone fetches repository trees for preview sessions.
package gitclone

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/common/token"
)

// defaultBranches are tried in order when the requested ref does not exist.
var defaultBranches = []string{"main", "master"}

// Result describes a completed clone.
type Result struct {
	// CommitSHA is the resolved HEAD of the cloned tree.
	CommitSHA string
	// Ref is the branch that was actually cloned. Differs from the request
	// when the fallback chain was used.
	Ref string
}

// Fetcher performs shallow, single-branch clones with a bounded timeout.
type Fetcher struct {
	timeout time.Duration
	logger  *logger.Logger
}

// NewFetcher creates a Fetcher. timeout bounds each clone attempt.
func NewFetcher(timeout time.Duration, log *logger.Logger) *Fetcher {
	return &Fetcher{timeout: timeout, logger: log}
}

// Clone clones owner/name at ref into dest. A non-empty authToken is
// embedded in the clone URL and redacted from any error output. Returns the
// resolved commit hash.
func (f *Fetcher) Clone(ctx context.Context, dest, owner, name, ref, authToken string) (*Result, error) {
	cloneCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := cloneURL(owner, name, authToken)
	f.logger.Info("cloning repository",
		zap.String("repo", owner+"/"+name),
		zap.String("ref", ref),
		zap.String("target", dest))

	cmd := exec.CommandContext(cloneCtx, "git", "clone",
		"--depth", "1", "--single-branch", "--branch", ref, url, dest)
	cmd.Env = hardenedGitEnv()
	if out, err := cmd.CombinedOutput(); err != nil {
		if cloneCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("git clone timed out after %s", f.timeout)
		}
		return nil, fmt.Errorf("git clone failed: %s", token.Redact(strings.TrimSpace(string(out)), authToken))
	}

	sha, err := f.revParseHead(ctx, dest)
	if err != nil {
		return nil, err
	}
	return &Result{CommitSHA: sha, Ref: ref}, nil
}

// CloneWithFallback clones the requested ref and, when that fails, retries
// with the well-known default-branch names. Any partial clone directory is
// removed between attempts; dest is left empty on total failure.
func (f *Fetcher) CloneWithFallback(ctx context.Context, dest, owner, name, ref, authToken string) (*Result, error) {
	refs := []string{ref}
	for _, fallback := range defaultBranches {
		if fallback != ref {
			refs = append(refs, fallback)
		}
	}

	var lastErr error
	for i, candidate := range refs {
		if i > 0 {
			f.logger.Warn("clone failed, trying fallback branch",
				zap.String("repo", owner+"/"+name),
				zap.String("branch", candidate))
			if err := resetDir(dest); err != nil {
				return nil, err
			}
		}
		res, err := f.Clone(ctx, dest, owner, name, candidate, authToken)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (f *Fetcher) revParseHead(ctx context.Context, dest string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dest, "rev-parse", "HEAD")
	cmd.Env = hardenedGitEnv()
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to resolve cloned commit: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func cloneURL(owner, name, authToken string) string {
	if authToken != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", authToken, owner, name)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
}

// hardenedGitEnv configures child git processes to never prompt for
// credentials and to ignore host-level configuration.
func hardenedGitEnv() []string {
	env := os.Environ()
	env = append(env,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
		"GIT_CONFIG_NOSYSTEM=1",
	)
	return env
}

// resetDir clears a partial clone, recreating dest as an empty directory
// with owner-only permissions.
func resetDir(dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clear partial clone: %w", err)
	}
	return os.MkdirAll(dest, 0o700)
}

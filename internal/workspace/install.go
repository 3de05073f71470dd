package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// nodeHeapCeiling bounds the install's memory use. Dependency installs for
// dev servers are memory-hungry.
const nodeHeapCeiling = "--max-old-space-size=3072"

// installCommand returns the install invocation for the package manager.
// Plain install rather than ci/frozen-lockfile: the cloned tree may carry a
// manifest newer than its lockfile.
func installCommand(pm PackageManager) []string {
	switch pm {
	case Yarn:
		return []string{"yarn", "install"}
	case PNPM:
		return []string{"pnpm", "install"}
	default:
		return []string{"npm", "install"}
	}
}

// Install runs the package manager's install in the workspace with CI-mode
// environment flags and a hard timeout. Error output is captured and
// truncated for the session record.
func (m *Manager) Install(ctx context.Context, path string, pm PackageManager) error {
	installCtx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()

	argv := installCommand(pm)
	m.logger.Info("installing dependencies",
		zap.String("path", path),
		zap.String("package_manager", string(pm)))

	cmd := exec.CommandContext(installCtx, argv[0], argv[1:]...)
	cmd.Dir = path
	cmd.Env = append(os.Environ(),
		"CI=true",
		"NO_UPDATE_NOTIFIER=1",
		"NPM_CONFIG_UPDATE_NOTIFIER=false",
		"NODE_OPTIONS="+nodeHeapCeiling,
	)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		if installCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("dependency install timed out after %s", m.installTimeout)
		}
		return fmt.Errorf("dependency install failed: %s", truncateOutput(string(out)))
	}

	m.logger.Info("dependencies installed",
		zap.String("path", path),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Prepare is the composite setup operation: detect the package manager and
// framework, install dependencies, and compute the start command.
func (m *Manager) Prepare(ctx context.Context, path string) (*Info, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}

	pm := DetectPackageManager(path)
	fw := DetectFramework(manifest)
	m.logger.Info("workspace detected",
		zap.String("path", path),
		zap.String("package_manager", string(pm)),
		zap.String("framework", string(fw)))

	if err := m.Install(ctx, path, pm); err != nil {
		return nil, err
	}

	return &Info{
		Path:           path,
		PackageManager: pm,
		Framework:      fw,
		StartCommand:   StartCommand(manifest, pm, fw),
	}, nil
}

// truncateOutput keeps error output short enough for a session record.
func truncateOutput(out string) string {
	out = strings.TrimSpace(out)
	const max = 500
	if len(out) <= max {
		return out
	}
	return out[len(out)-max:]
}

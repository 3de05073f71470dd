package process

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/previewd/previewd/internal/workspace"
)

// RoutingEnv configures how the dev server's URLs must resolve: through a
// per-session subdomain, or under a /preview/<id>/ path prefix.
type RoutingEnv struct {
	UseSubdomain  bool
	PreviewDomain string
}

// injectPortFlags rewrites the dev-server argv to carry --port and --host,
// unless the command already sets a port. Conventions differ per toolchain:
// npm-run scripts need a "--" separator before extra flags, yarn and pnpm
// pass them straight through, and react-scripts takes no flags at all (it
// reads PORT and HOST from the environment).
func injectPortFlags(argv []string, port int) []string {
	if len(argv) == 0 {
		return argv
	}
	if slices.Contains(argv, "react-scripts") {
		return argv
	}
	if slices.Contains(argv, "--port") || slices.Contains(argv, "-p") {
		return argv
	}

	out := slices.Clone(argv)
	if argv[0] == "npm" && !slices.Contains(argv, "--") {
		out = append(out, "--")
	}
	return append(out, "--port", strconv.Itoa(port), "--host", "0.0.0.0")
}

// buildEnv constructs the child environment for a dev server.
func buildEnv(sessionID string, port int, info *workspace.Info, routing RoutingEnv) []string {
	portStr := strconv.Itoa(port)
	env := append(os.Environ(),
		"PORT="+portStr,
		"DEV_PORT="+portStr,
		"VITE_PORT="+portStr,
		"HOST=0.0.0.0",
		"BROWSER=none",
		"CI=true",
		"NO_UPDATE_NOTIFIER=1",
		"NPM_CONFIG_UPDATE_NOTIFIER=false",
		"VITE_CJS_IGNORE_WARNING=true",
		"NODE_OPTIONS="+nodeHeapCeiling,
	)

	// Installed binaries (vite, next, ...) resolve from the workspace first.
	binDir := filepath.Join(info.Path, "node_modules", ".bin")
	env = append(env, "PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	if routing.UseSubdomain {
		// The HMR websocket must connect to the public subdomain over TLS,
		// not to the internal port.
		host := fmt.Sprintf("%s.%s", sessionID, routing.PreviewDomain)
		env = append(env,
			"BASE_PATH=/",
			"VITE_HMR_PROTOCOL=wss",
			"VITE_HMR_HOST="+host,
			"VITE_HMR_PORT=443",
			"VITE_HMR_CLIENT_PORT=443",
		)
	} else {
		// Path mode: assets resolve under the proxy prefix. No --base flag
		// is injected into argv; dev-server redirects on base paths conflict
		// with the proxy's prefix stripping.
		prefix := "/preview/" + sessionID
		env = append(env,
			"BASE_PATH="+prefix+"/",
			"PUBLIC_URL="+prefix,
			"ASSET_PREFIX="+prefix,
		)
	}
	return env
}

// nodeHeapCeiling mirrors the install-time heap bound for the running dev
// server.
const nodeHeapCeiling = "--max-old-space-size=3072"

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PackageManager is the toolchain used to install and run the project.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
)

// Framework is the detected frontend toolchain, used to shape the dev-server
// launch (flag injection, environment, fallback command).
type Framework string

const (
	FrameworkVite      Framework = "vite"
	FrameworkNext      Framework = "next"
	FrameworkNuxt      Framework = "nuxt"
	FrameworkSvelteKit Framework = "sveltekit"
	FrameworkAngular   Framework = "angular"
	FrameworkSvelte    Framework = "svelte"
	FrameworkVue       Framework = "vue"
	FrameworkReact     Framework = "react"
	FrameworkUnknown   Framework = "unknown"
)

// Manifest is the subset of package.json the detector needs.
type Manifest struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Info is the result of preparing a workspace: everything the process
// manager needs to launch the dev server.
type Info struct {
	Path           string
	PackageManager PackageManager
	Framework      Framework
	StartCommand   []string
}

// scriptPreference is the order in which manifest scripts are considered
// for launching the dev server. Arbitrary user commands are never run; only
// these well-known script names.
var scriptPreference = []string{"dev", "start", "serve", "preview"}

// frameworkChecks are evaluated in priority order. Vite wins over everything
// because it determines dev-server behavior; meta-frameworks beat the UI
// libraries they wrap.
var frameworkChecks = []struct {
	dep       string
	framework Framework
}{
	{"vite", FrameworkVite},
	{"next", FrameworkNext},
	{"nuxt", FrameworkNuxt},
	{"@sveltejs/kit", FrameworkSvelteKit},
	{"@angular/cli", FrameworkAngular},
	{"svelte", FrameworkSvelte},
	{"vue", FrameworkVue},
	{"@angular/core", FrameworkAngular},
	{"react", FrameworkReact},
}

// LoadManifest reads and parses package.json at the workspace root. A tree
// without a manifest cannot be previewed.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(path, "package.json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no package.json found: not a previewable project")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse package.json: %w", err)
	}
	return &m, nil
}

// DetectPackageManager picks the package manager from the lockfiles present
// at the workspace root, in priority order pnpm, yarn, npm. No lockfile
// defaults to npm.
func DetectPackageManager(path string) PackageManager {
	if fileExists(filepath.Join(path, "pnpm-lock.yaml")) {
		return PNPM
	}
	if fileExists(filepath.Join(path, "yarn.lock")) {
		return Yarn
	}
	if fileExists(filepath.Join(path, "package-lock.json")) {
		return NPM
	}
	return NPM
}

// DetectFramework inspects the union of production and dev dependencies.
// First match in priority order wins.
func DetectFramework(m *Manifest) Framework {
	for _, check := range frameworkChecks {
		if _, ok := m.Dependencies[check.dep]; ok {
			return check.framework
		}
		if _, ok := m.DevDependencies[check.dep]; ok {
			return check.framework
		}
	}
	return FrameworkUnknown
}

// StartCommand selects the dev-server invocation as argv tokens. Preference
// order is the well-known script names; when none exists, a hardcoded
// per-framework launcher is used.
func StartCommand(m *Manifest, pm PackageManager, fw Framework) []string {
	for _, script := range scriptPreference {
		if _, ok := m.Scripts[script]; ok {
			return runScript(pm, script)
		}
	}
	switch fw {
	case FrameworkVite, FrameworkSvelteKit:
		return []string{"npx", "vite", "--host"}
	case FrameworkNext:
		return []string{"npx", "next", "dev"}
	case FrameworkReact:
		return []string{"npx", "react-scripts", "start"}
	default:
		return []string{"npm", "start"}
	}
}

// runScript renders "run <script>" in the package manager's conventional
// syntax.
func runScript(pm PackageManager, script string) []string {
	switch pm {
	case Yarn:
		return []string{"yarn", script}
	case PNPM:
		return []string{"pnpm", "run", script}
	default:
		return []string{"npm", "run", script}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

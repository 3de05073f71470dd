package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDetectPackageManager(t *testing.T) {
	tests := []struct {
		name      string
		lockfiles []string
		want      PackageManager
	}{
		{"pnpm wins", []string{"pnpm-lock.yaml", "yarn.lock", "package-lock.json"}, PNPM},
		{"yarn over npm", []string{"yarn.lock", "package-lock.json"}, Yarn},
		{"npm lockfile", []string{"package-lock.json"}, NPM},
		{"no lockfile defaults to npm", nil, NPM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, lf := range tt.lockfiles {
				writeFile(t, dir, lf, "")
			}
			assert.Equal(t, tt.want, DetectPackageManager(dir))
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadManifest(dir)
	require.Error(t, err, "missing package.json must fail")

	writeFile(t, dir, "package.json", `{"name":"app","scripts":{"dev":"vite"},"devDependencies":{"vite":"^5.0.0"}}`)
	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "app", m.Name)
	assert.Contains(t, m.Scripts, "dev")
}

func TestDetectFramework(t *testing.T) {
	tests := []struct {
		name     string
		deps     map[string]string
		devDeps  map[string]string
		expected Framework
	}{
		{"vite beats react", map[string]string{"react": "18"}, map[string]string{"vite": "5"}, FrameworkVite},
		{"next beats react", map[string]string{"next": "14", "react": "18"}, nil, FrameworkNext},
		{"nuxt", map[string]string{"nuxt": "3"}, nil, FrameworkNuxt},
		{"sveltekit beats svelte", map[string]string{"svelte": "4"}, map[string]string{"@sveltejs/kit": "2"}, FrameworkSvelteKit},
		{"angular cli", nil, map[string]string{"@angular/cli": "17"}, FrameworkAngular},
		{"angular core without cli", map[string]string{"@angular/core": "17"}, nil, FrameworkAngular},
		{"plain react", map[string]string{"react": "18"}, nil, FrameworkReact},
		{"plain vue", map[string]string{"vue": "3"}, nil, FrameworkVue},
		{"nothing known", map[string]string{"express": "4"}, nil, FrameworkUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Dependencies: tt.deps, DevDependencies: tt.devDeps}
			assert.Equal(t, tt.expected, DetectFramework(m))
		})
	}
}

func TestStartCommand(t *testing.T) {
	tests := []struct {
		name    string
		scripts map[string]string
		pm      PackageManager
		fw      Framework
		want    []string
	}{
		{"dev preferred", map[string]string{"dev": "vite", "start": "x"}, NPM, FrameworkVite, []string{"npm", "run", "dev"}},
		{"start when no dev", map[string]string{"start": "x"}, NPM, FrameworkReact, []string{"npm", "run", "start"}},
		{"serve fallback", map[string]string{"serve": "x"}, NPM, FrameworkVue, []string{"npm", "run", "serve"}},
		{"preview last", map[string]string{"preview": "x"}, NPM, FrameworkVite, []string{"npm", "run", "preview"}},
		{"yarn syntax", map[string]string{"dev": "x"}, Yarn, FrameworkVite, []string{"yarn", "dev"}},
		{"pnpm syntax", map[string]string{"dev": "x"}, PNPM, FrameworkVite, []string{"pnpm", "run", "dev"}},
		{"vite direct fallback", nil, NPM, FrameworkVite, []string{"npx", "vite", "--host"}},
		{"sveltekit uses vite", nil, NPM, FrameworkSvelteKit, []string{"npx", "vite", "--host"}},
		{"next direct fallback", nil, NPM, FrameworkNext, []string{"npx", "next", "dev"}},
		{"react direct fallback", nil, NPM, FrameworkReact, []string{"npx", "react-scripts", "start"}},
		{"unknown defaults to npm start", nil, NPM, FrameworkUnknown, []string{"npm", "start"}},
		{"ignores unrecognized scripts", map[string]string{"build": "x", "lint": "y"}, NPM, FrameworkUnknown, []string{"npm", "start"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Scripts: tt.scripts}
			assert.Equal(t, tt.want, StartCommand(m, tt.pm, tt.fw))
		})
	}
}

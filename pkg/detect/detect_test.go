package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestDetectNodePrefersDevScript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{
		"scripts": {"start": "node server.js", "dev": "node server.js --port 3100"},
		"dependencies": {"express": "^4.18.0"}
	}`)

	res, err := NewRegistry().Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectTypeNode, res.Type)
	assert.Equal(t, "npm run dev", res.Command)
	assert.Equal(t, 3100, res.Port)
	assert.Equal(t, "express", res.Framework)
}

func TestDetectVite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{
		"scripts": {"dev": "vite"},
		"devDependencies": {"vite": "^5.0.0"}
	}`)

	res, err := NewRegistry().Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectTypeVite, res.Type)
	assert.Equal(t, "vite", res.Framework)
}

func TestDetectPythonFlask(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "requirements.txt", "Flask==3.0.0\nrequests\n")

	res, err := NewRegistry().Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectTypePython, res.Type)
	assert.Equal(t, "flask", res.Framework)
	assert.Equal(t, 5000, res.Port)
}

func TestDetectPHPLaravel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "composer.json", `{}`)
	writeFile(t, dir, "artisan", "#!/usr/bin/env php")

	res, err := NewRegistry().Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectTypePHP, res.Type)
	assert.Equal(t, "laravel", res.Framework)
	assert.Equal(t, 8080, res.Port)
}

func TestDetectFallbacks(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
		want    types.ProjectType
	}{
		{"go", "go.mod", "module example.com/app\n", types.ProjectTypeGo},
		{"rust", "Cargo.toml", "[package]\nname = \"app\"\n", types.ProjectTypeRust},
		{"java-maven", "pom.xml", "<project/>", types.ProjectTypeJava},
		{"dotnet", "app.csproj", "<Project/>", types.ProjectTypeDotnet},
		{"ruby-rails", "Gemfile", "gem 'rails'\n", types.ProjectTypeRuby},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tc.file, tc.content)

			res, err := NewRegistry().Detect(dir)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Type)
			assert.NotEmpty(t, res.Command)
		})
	}
}

func TestDetectStaticCatchAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")

	res, err := NewRegistry().Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectTypeStatic, res.Type)
	assert.Equal(t, 4000, res.Port)
}

func TestDetectOrderNodeBeforeStatic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")
	writeFile(t, dir, "package.json", `{"scripts": {"start": "node server.js"}}`)

	res, err := NewRegistry().Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectTypeNode, res.Type)
}

func TestDetectRejectsMissingDir(t *testing.T) {
	_, err := NewRegistry().Detect(filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}

func TestDetectPort(t *testing.T) {
	cases := map[string]int{
		"node server.js --port 3100": 3100,
		"vite --port=5173":           5173,
		"PORT=8081 node index.js":    8081,
		"php -S 0.0.0.0:8080":        8080,
		"npm run build":              0,
		"echo done":                  0,
	}
	for script, want := range cases {
		assert.Equal(t, want, DetectPort(script), script)
	}
}

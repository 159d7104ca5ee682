package detect

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/debug-host/debug-host/pkg/types"
)

// pythonDetector matches workspaces with requirements.txt, pyproject.toml,
// or a bare app.py.
type pythonDetector struct{}

func (d *pythonDetector) Name() string  { return "python" }
func (d *pythonDetector) Priority() int { return 20 }

func (d *pythonDetector) CanHandle(dir string) bool {
	return fileExists(dir, "requirements.txt") ||
		fileExists(dir, "pyproject.toml") ||
		fileExists(dir, "app.py")
}

func (d *pythonDetector) Detect(dir string) (Result, bool) {
	deps := readDeps(dir)

	res := Result{
		Type:    types.ProjectTypePython,
		Command: "python app.py",
		Port:    5000,
	}
	switch {
	case strings.Contains(deps, "django"):
		res.Framework = "django"
		res.Command = "python manage.py runserver 0.0.0.0:5000"
	case strings.Contains(deps, "fastapi"):
		res.Framework = "fastapi"
		res.Command = "uvicorn main:app --host 0.0.0.0 --port 5000"
	case strings.Contains(deps, "flask"):
		res.Framework = "flask"
		res.Command = "flask run --host 0.0.0.0 --port 5000"
	}
	return res, true
}

func readDeps(dir string) string {
	var parts []string
	for _, name := range []string{"requirements.txt", "pyproject.toml"} {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			parts = append(parts, strings.ToLower(string(data)))
		}
	}
	return strings.Join(parts, "\n")
}

package detect

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/debug-host/debug-host/pkg/types"
)

// The fallback layer covers stacks without a dedicated image: ruby, go,
// rust, java, dotnet, and the static-files catch-all. These run in the
// node band and share the generic launch path.

type rubyDetector struct{}

func (d *rubyDetector) Name() string  { return "ruby" }
func (d *rubyDetector) Priority() int { return 40 }

func (d *rubyDetector) CanHandle(dir string) bool {
	return fileExists(dir, "Gemfile") || fileExists(dir, "config.ru")
}

func (d *rubyDetector) Detect(dir string) (Result, bool) {
	res := Result{Type: types.ProjectTypeRuby, Command: "ruby main.rb", Port: 3000}

	gemfile := ""
	if data, err := os.ReadFile(filepath.Join(dir, "Gemfile")); err == nil {
		gemfile = strings.ToLower(string(data))
	}
	switch {
	case strings.Contains(gemfile, "rails"):
		res.Framework = "rails"
		res.Command = "rails server -b 0.0.0.0 -p 3000"
	case fileExists(dir, "config.ru"):
		res.Framework = "rack"
		res.Command = "rackup --host 0.0.0.0 --port 3000"
	}
	return res, true
}

type goDetector struct{}

func (d *goDetector) Name() string  { return "go" }
func (d *goDetector) Priority() int { return 41 }

func (d *goDetector) CanHandle(dir string) bool {
	return fileExists(dir, "go.mod")
}

func (d *goDetector) Detect(dir string) (Result, bool) {
	return Result{Type: types.ProjectTypeGo, Command: "go run .", Port: 3000}, true
}

type rustDetector struct{}

func (d *rustDetector) Name() string  { return "rust" }
func (d *rustDetector) Priority() int { return 42 }

func (d *rustDetector) CanHandle(dir string) bool {
	return fileExists(dir, "Cargo.toml")
}

func (d *rustDetector) Detect(dir string) (Result, bool) {
	return Result{Type: types.ProjectTypeRust, Command: "cargo run", Port: 3000}, true
}

type javaDetector struct{}

func (d *javaDetector) Name() string  { return "java" }
func (d *javaDetector) Priority() int { return 43 }

func (d *javaDetector) CanHandle(dir string) bool {
	return fileExists(dir, "pom.xml") ||
		fileExists(dir, "build.gradle") ||
		fileExists(dir, "build.gradle.kts")
}

func (d *javaDetector) Detect(dir string) (Result, bool) {
	res := Result{Type: types.ProjectTypeJava, Port: 3000}
	if fileExists(dir, "pom.xml") {
		res.Framework = "maven"
		res.Command = "mvn spring-boot:run"
	} else {
		res.Framework = "gradle"
		res.Command = "./gradlew bootRun"
	}
	return res, true
}

type dotnetDetector struct{}

func (d *dotnetDetector) Name() string  { return "dotnet" }
func (d *dotnetDetector) Priority() int { return 44 }

func (d *dotnetDetector) CanHandle(dir string) bool {
	return globExists(dir, "*.csproj")
}

func (d *dotnetDetector) Detect(dir string) (Result, bool) {
	return Result{Type: types.ProjectTypeDotnet, Command: "dotnet run", Port: 3000}, true
}

// staticDetector is the catch-all; any directory can be served as files
type staticDetector struct{}

func (d *staticDetector) Name() string  { return "static" }
func (d *staticDetector) Priority() int { return 100 }

func (d *staticDetector) CanHandle(dir string) bool {
	return true
}

func (d *staticDetector) Detect(dir string) (Result, bool) {
	res := Result{Type: types.ProjectTypeStatic, Command: "serve /app", Port: 4000}
	if fileExists(dir, "index.html") {
		res.Framework = "html"
	}
	return res, true
}

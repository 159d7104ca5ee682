package detect

import (
	"github.com/debug-host/debug-host/pkg/types"
)

// phpDetector matches workspaces with composer.json or an index.php entrypoint
type phpDetector struct{}

func (d *phpDetector) Name() string  { return "php" }
func (d *phpDetector) Priority() int { return 30 }

func (d *phpDetector) CanHandle(dir string) bool {
	return fileExists(dir, "composer.json") || fileExists(dir, "index.php")
}

func (d *phpDetector) Detect(dir string) (Result, bool) {
	res := Result{
		Type:    types.ProjectTypePHP,
		Command: "php -S 0.0.0.0:8080",
		Port:    8080,
	}
	if fileExists(dir, "artisan") {
		res.Framework = "laravel"
		res.Command = "php artisan serve --host 0.0.0.0 --port 8080"
	}
	return res, true
}

package detect

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/debug-host/debug-host/pkg/types"
)

// packageJSON is the subset of package.json the node probe inspects
type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// nodeDetector matches workspaces carrying a package.json. It prefers the
// dev script over start and recognizes vite projects as their own stack.
type nodeDetector struct{}

func (d *nodeDetector) Name() string  { return "node" }
func (d *nodeDetector) Priority() int { return 10 }

func (d *nodeDetector) CanHandle(dir string) bool {
	return fileExists(dir, "package.json")
}

func (d *nodeDetector) Detect(dir string) (Result, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return Result{}, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return Result{}, false
	}

	script, scriptName := "", ""
	if s, ok := pkg.Scripts["dev"]; ok {
		script, scriptName = s, "dev"
	} else if s, ok := pkg.Scripts["start"]; ok {
		script, scriptName = s, "start"
	}

	res := Result{
		Type:      types.ProjectTypeNode,
		Command:   "npm start",
		Port:      3000,
		Framework: frameworkOf(pkg),
	}
	if scriptName != "" {
		res.Command = "npm run " + scriptName
	}
	if res.Framework == "vite" {
		res.Type = types.ProjectTypeVite
	}
	if p := DetectPort(script); p != 0 {
		res.Port = p
	}
	return res, true
}

func frameworkOf(pkg packageJSON) string {
	has := func(name string) bool {
		if _, ok := pkg.Dependencies[name]; ok {
			return true
		}
		_, ok := pkg.DevDependencies[name]
		return ok
	}
	switch {
	case has("vite"):
		return "vite"
	case has("next"):
		return "next"
	case has("react"):
		return "react"
	case has("express"):
		return "express"
	case has("vue"):
		return "vue"
	}
	return ""
}

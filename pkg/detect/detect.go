// Package detect identifies the technology stack of a workspace directory
// and proposes a launch command. Detection runs an ordered sequence of
// per-stack probes; the first probe that matches wins. The detector never
// mutates the workspace.
package detect

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/debug-host/debug-host/pkg/types"
)

// Result is a successful stack detection
type Result struct {
	Type      types.ProjectType `json:"type"`
	Command   string            `json:"command"`
	Port      int               `json:"port"`
	Framework string            `json:"framework,omitempty"`
}

// Detector is a single per-stack probe
type Detector interface {
	// Name identifies the probe for logging and stats
	Name() string

	// Priority orders probes; lower runs first
	Priority() int

	// CanHandle reports whether the workspace matches this probe
	CanHandle(dir string) bool

	// Detect returns the launch proposal for a matching workspace
	Detect(dir string) (Result, bool)
}

// Registry holds the ordered probe sequence
type Registry struct {
	detectors []Detector
}

// NewRegistry returns a registry with the default probe set
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&nodeDetector{})
	r.Register(&pythonDetector{})
	r.Register(&phpDetector{})
	r.Register(&rubyDetector{})
	r.Register(&goDetector{})
	r.Register(&rustDetector{})
	r.Register(&javaDetector{})
	r.Register(&dotnetDetector{})
	r.Register(&staticDetector{})
	return r
}

// Register adds a probe, keeping the sequence sorted by priority
func (r *Registry) Register(d Detector) {
	r.detectors = append(r.detectors, d)
	sort.SliceStable(r.detectors, func(i, j int) bool {
		return r.detectors[i].Priority() < r.detectors[j].Priority()
	})
}

// Probes lists the registered probe names in priority order
func (r *Registry) Probes() []string {
	out := make([]string, 0, len(r.detectors))
	for _, d := range r.detectors {
		out = append(out, d.Name())
	}
	return out
}

// Detect runs the probe sequence against dir; first match wins
func (r *Registry) Detect(dir string) (Result, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Result{}, types.Errorf(types.ErrValidation, "workspace %s is not a directory", dir)
	}

	for _, d := range r.detectors {
		if !d.CanHandle(dir) {
			continue
		}
		if res, ok := d.Detect(dir); ok {
			return res, nil
		}
	}
	return Result{}, types.Errorf(types.ErrNotFound, "no stack detected in %s", dir)
}

var (
	portFlagRe = regexp.MustCompile(`--port[= ](\d{2,5})`)
	portEnvRe  = regexp.MustCompile(`\bPORT=(\d{2,5})`)
	portColRe  = regexp.MustCompile(`:(\d{4,5})\b`)
)

// DetectPort extracts a port from a launch script, recognizing
// "--port N", "PORT=N", and ":N" forms. Returns 0 when none is found.
func DetectPort(script string) int {
	for _, re := range []*regexp.Regexp{portFlagRe, portEnvRe, portColRe} {
		if m := re.FindStringSubmatch(script); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil && p > 0 && p <= 65535 {
				return p
			}
		}
	}
	return 0
}

// fileExists reports whether dir contains the named file
func fileExists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}

// globExists reports whether dir contains a file matching pattern
func globExists(dir, pattern string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	return err == nil && len(matches) > 0
}

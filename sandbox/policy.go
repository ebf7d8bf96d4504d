package sandbox

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var defaultAllowedPackages = []string{
	"numpy", "pandas", "matplotlib", "seaborn", "scipy", "sklearn",
	"requests", "beautifulsoup4", "lxml", "pillow", "opencv-python",
	"flask", "django", "fastapi", "sqlalchemy", "pymongo",
	"jupyter", "ipython", "sympy", "plotly", "bokeh",
	"tensorflow", "torch", "keras", "xgboost", "lightgbm",
	"pytest", "unittest", "datetime", "json", "csv", "xml",
	"hashlib", "base64", "urllib", "http", "socket", "threading",
	"multiprocessing", "queue", "collections", "itertools", "functools",
	"operator", "math", "random", "statistics", "os", "sys",
	"pathlib", "shutil", "tempfile", "glob", "re", "string",
	"time", "calendar", "locale",
}

var defaultDangerPatterns = []string{
	`__import__\s*\(`,
	`exec\s*\(`,
	`eval\s*\(`,
	`compile\s*\(`,
	`open\s*\([^)]*['"]w['"]`,
	`file\s*\(`,
	`input\s*\(`,
	`raw_input\s*\(`,
	`os\.system`,
	`subprocess\.[a-zA-Z_]+`,
	`import\s+os\s*$`,
	`from\s+os\s+import`,
	`import\s+subprocess`,
	`from\s+subprocess\s+import`,
	`import\s+sys\s*$`,
	`from\s+sys\s+import`,
	`import\s+shutil`,
	`from\s+shutil\s+import`,
}

// DefaultAllowedPackages returns a copy of the built-in package allow-list
func DefaultAllowedPackages() []string {
	return slices.Clone(defaultAllowedPackages)
}

// DefaultDangerPatterns returns a copy of the built-in deny-list
func DefaultDangerPatterns() []string {
	return slices.Clone(defaultDangerPatterns)
}

type dangerPattern struct {
	source string
	re     *regexp.Regexp
}

// Policy holds the package allow-list and the compiled deny-list. It is
// immutable after construction and safe for concurrent use.
type Policy struct {
	allowed  map[string]struct{}
	patterns []dangerPattern
}

// NewPolicy builds a Policy. Empty inputs select the built-in defaults.
// Patterns are matched case-insensitively with ^ and $ anchoring at line
// boundaries.
func NewPolicy(allowed, patterns []string) (*Policy, error) {
	if len(allowed) == 0 {
		allowed = defaultAllowedPackages
	}
	if len(patterns) == 0 {
		patterns = defaultDangerPatterns
	}

	p := &Policy{
		allowed:  make(map[string]struct{}, len(allowed)),
		patterns: make([]dangerPattern, 0, len(patterns)),
	}

	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p.allowed[name] = struct{}{}
	}

	for _, src := range patterns {
		re, err := regexp.Compile("(?im)" + src)
		if err != nil {
			return nil, fmt.Errorf("invalid danger pattern %q: %w", src, err)
		}
		p.patterns = append(p.patterns, dangerPattern{source: src, re: re})
	}

	return p, nil
}

// IsAllowed reports whether name is on the allow-list. Matching is exact.
func (p *Policy) IsAllowed(name string) bool {
	_, ok := p.allowed[name]
	return ok
}

// AllowedPackages returns the allow-list sorted
func (p *Policy) AllowedPackages() []string {
	names := make([]string, 0, len(p.allowed))
	for name := range p.allowed {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Patterns returns the deny-list sources in evaluation order
func (p *Policy) Patterns() []string {
	out := make([]string, len(p.patterns))
	for i, dp := range p.patterns {
		out[i] = dp.source
	}
	return out
}

package sandbox

import (
	"regexp"
	"slices"
	"strings"
)

const dottedIdent = `[a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*`

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`import\s+(` + dottedIdent + `)`),
	regexp.MustCompile(`from\s+(` + dottedIdent + `)\s+import`),
}

// ExtractImports returns the top-level module names referenced by import
// statements in source, de-duplicated and sorted.
//
// The scan is lexical: names inside strings or comments are reported, and
// "from a import b" yields both a and b.
func ExtractImports(source string) []string {
	seen := make(map[string]struct{})
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			top, _, _ := strings.Cut(m[1], ".")
			seen[top] = struct{}{}
		}
	}

	modules := make([]string, 0, len(seen))
	for name := range seen {
		modules = append(modules, name)
	}
	slices.Sort(modules)
	return modules
}

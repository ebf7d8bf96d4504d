package sandbox

import "regexp"

var (
	openCallPattern = regexp.MustCompile(`open\s*\(`)
	openReadPattern = regexp.MustCompile(`open\s*\([^)]*['"]r['"]`)
)

// Rejection reasons returned by SafetyGate.Check
const (
	reasonDangerousPattern = "dangerous code pattern detected: "
	reasonFileWrite        = "file write operations are not allowed"
)

// SafetyGate screens source text before anything touches the filesystem.
//
// The gate is a textual heuristic. It rejects obvious misuse and is trivially
// bypassed by obfuscation; it does not isolate the interpreter.
type SafetyGate struct {
	policy *Policy
}

// NewSafetyGate creates a gate over the deny-list of policy
func NewSafetyGate(policy *Policy) *SafetyGate {
	return &SafetyGate{policy: policy}
}

// Check scans source against the deny-list in order and reports the first
// match. An open( call is then only accepted when some open( call in the
// source names read mode "r" explicitly.
func (g *SafetyGate) Check(source string) (accepted bool, reason string) {
	for _, dp := range g.policy.patterns {
		if dp.re.MatchString(source) {
			return false, reasonDangerousPattern + dp.source
		}
	}

	if openCallPattern.MatchString(source) && !openReadPattern.MatchString(source) {
		return false, reasonFileWrite
	}

	return true, ""
}

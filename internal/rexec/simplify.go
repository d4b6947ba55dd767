package rexec

import (
	"regexp"
	"strings"
)

// Simplifier derives a simplified variant of failing code. Implementations
// return ok=false when no simplification applies, which skips the fallback
// run entirely.
type Simplifier interface {
	Simplify(code string) (simplified string, ok bool)
}

// DenylistSimplifier strips statements that call "advanced" constructs,
// typically heavyweight model fitting that fails on missing packages or
// sparse data, and substitutes a neutral placeholder so downstream
// references do not explode at parse time.
type DenylistSimplifier struct {
	patterns []*regexp.Regexp
}

// Default denylist: mixed-model and survival fitting calls observed to be
// the dominant failure sources in generated analysis code.
var defaultDenylist = []string{
	`\blmer\s*\(`,
	`\bglmer\s*\(`,
	`\bnlme?::\w+\s*\(`,
	`\blme\s*\(`,
	`\bgls\s*\(`,
	`\bmmrm\s*\(`,
	`\bgeeglm\s*\(`,
	`\bbrm\s*\(`,
	`\bcoxph\s*\(`,
	`\bemmeans\s*\(`,
}

// NewDenylistSimplifier builds a DenylistSimplifier from the default
// denylist plus any extra patterns.
func NewDenylistSimplifier(extra ...string) *DenylistSimplifier {
	all := append(append([]string{}, defaultDenylist...), extra...)
	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &DenylistSimplifier{patterns: patterns}
}

var assignRe = regexp.MustCompile(`^\s*([A-Za-z.][A-Za-z0-9._]*)\s*(<-|=)\s*`)

// Simplify removes each line containing a denylisted call. Assignments keep
// their target bound to NULL so later code referencing the variable still
// parses; bare calls are dropped. Returns ok=false when nothing matched.
func (s *DenylistSimplifier) Simplify(code string) (string, bool) {
	lines := strings.Split(code, "\n")
	changed := false

	for i, line := range lines {
		if !s.matches(line) {
			continue
		}
		changed = true
		if m := assignRe.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + " <- NULL"
		} else {
			lines[i] = ""
		}
	}
	if !changed {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

func (s *DenylistSimplifier) matches(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return false
	}
	for _, p := range s.patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

package workspace

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultIgnorePatterns are skipped in every workspace. Patterns without a
// slash match any single path segment; patterns with one match the whole
// relative path.
var DefaultIgnorePatterns = []string{
	"node_modules",
	".git",
	".cursor",
	"dist",
	"build",
	"coverage",
	".nyc_output",
	".DS_Store",
	"Thumbs.db",
	".env",
	".env.*",
}

// Matcher decides which workspace paths are excluded from indexing.
type Matcher struct {
	names []glob.Glob
	paths []glob.Glob
}

// NewMatcher compiles the default patterns plus any extras.
func NewMatcher(extra ...string) (*Matcher, error) {
	m := &Matcher{}
	patterns := append(append([]string{}, DefaultIgnorePatterns...), extra...)
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		pattern = strings.TrimSuffix(strings.TrimPrefix(pattern, "/"), "/")
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", raw, err)
		}
		if strings.Contains(pattern, "/") {
			m.paths = append(m.paths, g)
		} else {
			m.names = append(m.names, g)
		}
	}
	return m, nil
}

// MustMatcher is NewMatcher for patterns known to compile.
func MustMatcher(extra ...string) *Matcher {
	m, err := NewMatcher(extra...)
	if err != nil {
		panic(err)
	}
	return m
}

// Ignored reports whether rel (slash separated, relative to the workspace
// root) or any of its ancestors is excluded.
func (m *Matcher) Ignored(rel string) bool {
	if m == nil || rel == "" || rel == "." {
		return false
	}
	for _, segment := range strings.Split(rel, "/") {
		for _, g := range m.names {
			if g.Match(segment) {
				return true
			}
		}
	}
	for _, g := range m.paths {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

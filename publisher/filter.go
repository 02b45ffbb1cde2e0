package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter selects event kinds by glob pattern.
type GlobFilter struct {
	kindGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(kindPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		kindGlobs: make([]glob.Glob, 0, len(kindPatterns)),
	}

	for _, pattern := range kindPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid event pattern %q: %w", pattern, err)
		}
		filter.kindGlobs = append(filter.kindGlobs, g)
	}

	return filter, nil
}

// Match returns true if kind matches a configured pattern, or if none are
// configured.
func (f *GlobFilter) Match(kind EventKind) bool {
	if len(f.kindGlobs) == 0 {
		return true
	}
	for _, g := range f.kindGlobs {
		if g.Match(string(kind)) {
			return true
		}
	}
	return false
}

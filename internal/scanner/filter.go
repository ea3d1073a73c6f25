package scanner

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pratik-mahalle/driftwatch/internal/domain/drift"
	"github.com/pratik-mahalle/driftwatch/internal/pkg/errors"
)

type compiledFilter struct {
	path    string
	pattern string
}

// Matcher applies include and exclude filters to relative file paths.
// A file is kept when there are no includes or it matches one include,
// and it matches no exclude.
type Matcher struct {
	includes []compiledFilter
	excludes []compiledFilter
}

// NewMatcher compiles the filters, rejecting malformed globs
func NewMatcher(includes, excludes []drift.Filter) (*Matcher, error) {
	if err := ValidateFilters(includes, excludes); err != nil {
		return nil, err
	}
	return &Matcher{
		includes: compile(includes),
		excludes: compile(excludes),
	}, nil
}

// ValidateFilters reports every unparseable path or pattern glob
func ValidateFilters(filterSets ...[]drift.Filter) error {
	var bad []string
	for _, filters := range filterSets {
		for _, f := range filters {
			for _, g := range []string{f.Path, f.Pattern} {
				if g != "" && !doublestar.ValidatePattern(g) {
					bad = append(bad, g)
				}
			}
		}
	}
	if len(bad) > 0 {
		return errors.ConfigError("Invalid filter glob", bad)
	}
	return nil
}

func compile(filters []drift.Filter) []compiledFilter {
	out := make([]compiledFilter, 0, len(filters))
	for _, f := range filters {
		out = append(out, compiledFilter{path: normalize(f.Path), pattern: f.Pattern})
	}
	return out
}

func normalize(p string) string {
	if p == "" {
		return ""
	}
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Match reports whether the file at rel survives the filters
func (m *Matcher) Match(rel string) bool {
	if len(m.includes) > 0 && !anyMatch(m.includes, rel) {
		return false
	}
	return !anyMatch(m.excludes, rel)
}

// PruneDir reports whether a whole directory is excluded, so the walk can
// skip it without visiting its files.
func (m *Matcher) PruneDir(rel string) bool {
	for _, f := range m.excludes {
		if f.path == "" || f.pattern != "" {
			continue
		}
		if ok, _ := doublestar.Match(f.path, rel); ok {
			return true
		}
	}
	return false
}

func anyMatch(filters []compiledFilter, rel string) bool {
	for _, f := range filters {
		if f.matches(rel) {
			return true
		}
	}
	return false
}

func (f compiledFilter) matches(rel string) bool {
	if f.path == "" {
		return f.matchPattern(rel, rel)
	}
	// The path glob may name the file itself or any directory above it.
	prefix := rel
	for {
		if ok, _ := doublestar.Match(f.path, prefix); ok {
			rest := strings.TrimPrefix(strings.TrimPrefix(rel, prefix), "/")
			if f.matchPattern(rel, rest) {
				return true
			}
		}
		i := strings.LastIndexByte(prefix, '/')
		if i < 0 {
			return false
		}
		prefix = prefix[:i]
	}
}

func (f compiledFilter) matchPattern(rel, rest string) bool {
	if f.pattern == "" {
		return true
	}
	if strings.Contains(f.pattern, "/") {
		ok, _ := doublestar.Match(f.pattern, rest)
		return ok
	}
	ok, _ := doublestar.Match(f.pattern, path.Base(rel))
	return ok
}

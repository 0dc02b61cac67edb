package pack

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoreFilename lists paths excluded from a package archive, using
// gitignore-style patterns.
const IgnoreFilename = ".wapmignore"

// pattern is a single ignore rule.
type pattern struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool
}

// Matcher decides which project paths stay out of the archive.
type Matcher struct {
	patterns []pattern
}

// NewMatcher returns a matcher preloaded with the default exclusions.
func NewMatcher() *Matcher {
	m := &Matcher{}
	m.AddPatterns([]string{
		".git/",
		".hg/",
		".svn/",
		"wapm_packages/",
		IgnoreFilename,
		".DS_Store",
		"*.swp",
		"*.bak",
		"*.orig",
	})
	return m
}

// AddPattern adds one gitignore-style pattern line.
func (m *Matcher) AddPattern(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := pattern{}
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}
	// Bare names match at any depth.
	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}

	p.glob = line
	m.patterns = append(m.patterns, p)
}

// AddPatterns adds several pattern lines in order.
func (m *Matcher) AddPatterns(lines []string) {
	for _, line := range lines {
		m.AddPattern(line)
	}
}

// LoadFile merges patterns from an ignore file. A missing file is fine.
func (m *Matcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.AddPattern(scanner.Text())
	}
	return scanner.Err()
}

// Match reports whether a path relative to the project root is excluded.
// Later patterns win, so negations can re-include earlier exclusions.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			if matchParentDir(p.glob, path) {
				ignored = !p.negated
			}
			continue
		}
		if matchGlob(p.glob, path) {
			ignored = !p.negated
		}
	}
	return ignored
}

// matchParentDir reports whether any parent directory of path matches.
func matchParentDir(glob, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(glob, path string) bool {
	if matched, _ := doublestar.Match(glob, path); matched {
		return true
	}
	// A directory pattern also covers everything beneath it.
	if !strings.HasSuffix(glob, "/**") {
		if matched, _ := doublestar.Match(glob+"/**", path); matched {
			return true
		}
	}
	return false
}

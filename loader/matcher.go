package loader

import (
	"bufio"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matcher decides which walked paths enter the workspace. Include and
// exclude patterns come from the import options; with HonorIgnoreFiles,
// .gitignore patterns discovered during the walk are folded into the
// excludes, scoped to the directory that declared them.
type matcher struct {
	includes []string
	excludes []string
}

func newMatcher(includes, excludes []string) *matcher {
	return &matcher{includes: includes, excludes: excludes}
}

// match reports whether a file at rel (slash-separated, root-relative)
// should be imported.
func (m *matcher) match(rel string) bool {
	for _, pat := range m.excludes {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return false
		}
	}
	if len(m.includes) == 0 {
		return true
	}
	for _, pat := range m.includes {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// skipDir reports whether a directory subtree can be pruned without
// visiting it. Only exclude patterns prune; include patterns cannot,
// because a file deeper down may still match.
func (m *matcher) skipDir(rel string) bool {
	for _, pat := range m.excludes {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(strings.TrimSuffix(pat, "/**"), rel); err == nil && ok {
			return true
		}
	}
	return false
}

// loadIgnoreFile folds one .gitignore into the exclude set. Lines are
// treated as doublestar patterns rooted at the directory holding the
// file; negations are not supported and are skipped.
func (m *matcher) loadIgnoreFile(path, dirRel string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		anchored := strings.HasPrefix(line, "/")
		line = strings.Trim(line, "/")

		prefix := ""
		if dirRel != "" && dirRel != "." {
			prefix = dirRel + "/"
		}
		if anchored {
			m.excludes = append(m.excludes, prefix+line, prefix+line+"/**")
		} else {
			m.excludes = append(m.excludes, prefix+line, prefix+line+"/**", prefix+"**/"+line, prefix+"**/"+line+"/**")
		}
	}
}

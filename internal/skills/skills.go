// Package skills loads the markdown skill documents a scan can attach to
// its agents' system prompts.
package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Library struct {
	dir string
}

// New returns a library rooted at dir. An empty dir yields a library with
// no skills.
func New(dir string) *Library {
	return &Library{dir: dir}
}

// Load returns the content of the named skill, or "" when it does not
// exist.
func (l *Library) Load(name string) (string, error) {
	if l.dir == "" {
		return "", nil
	}
	clean := filepath.Base(strings.TrimSuffix(name, ".md"))
	if clean == "." || clean == ".." || clean == "" {
		return "", fmt.Errorf("invalid skill name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(l.dir, clean+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Block renders the named skills as one prompt section. Missing or
// unreadable skills are skipped.
func (l *Library) Block(names []string) string {
	var sb strings.Builder
	for _, name := range names {
		content, err := l.Load(name)
		if err != nil {
			slog.Warn("load skill failed", "skill", name, "error", err)
			continue
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "### Skill: %s\n\n%s", name, content)
	}
	return sb.String()
}

// Available lists the skill names in the library directory.
func (l *Library) Available() ([]string, error) {
	if l.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}

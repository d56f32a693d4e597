package cskg

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/jward/cskg/internal/extract"
)

// skipDirs are excluded from the filesystem walk.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"venv":         true,
}

// SourceFiles lists the Python sources under root as slash-separated paths
// relative to root, sorted. Inside a git work tree it uses git ls-files, so
// .gitignore, .git/info/exclude and global excludes apply. Otherwise it
// walks the tree, skipping hidden and vendored directories and honouring a
// top-level .gitignore.
func SourceFiles(root string) ([]string, error) {
	paths, err := gitListFiles(root)
	if err != nil {
		paths, err = walkListFiles(root)
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// gitListFiles uses git ls-files to discover tracked and untracked (but not
// ignored) files under root.
func gitListFiles(root string) ([]string, error) {
	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !extract.IsSource(line) {
			continue
		}
		// Deleted but still tracked files are listed by --cached.
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(line))); err != nil {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// walkListFiles discovers files by walking the filesystem, used when git
// is not available or root is not a work tree.
func walkListFiles(root string) ([]string, error) {
	var gi *ignore.GitIgnore
	if _, err := os.Stat(filepath.Join(root, ".gitignore")); err == nil {
		gi, err = ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
		if err != nil {
			return nil, fmt.Errorf("read .gitignore: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat .gitignore: %w", err)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || skipDirs[name] || (gi != nil && gi.MatchesPath(rel+"/")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !extract.IsSource(rel) || (gi != nil && gi.MatchesPath(rel)) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}

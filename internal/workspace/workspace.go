// Package workspace walks a project directory the way the indexer sees it:
// slash separated relative paths, ignore rules applied, regular files only.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// ErrNotDirectory is returned when a workspace path is not a directory.
var ErrNotDirectory = errors.New("workspace path is not a directory")

// Entry is one child of a directory.
type Entry struct {
	Rel   string
	IsDir bool
}

// Canonical resolves path to an absolute, symlink-free directory path.
func Canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve workspace path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", resolved, ErrNotDirectory)
	}
	return resolved, nil
}

// Abs joins a relative workspace path onto root.
func Abs(root, rel string) string {
	if rel == "" || rel == "." {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// Discover lists the regular files under root, sorted, stopping after limit
// files when limit is positive.
func Discover(ctx context.Context, root string, matcher *Matcher, limit int) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			// Unreadable subtrees are left out rather than failing the walk.
			if d != nil && d.IsDir() && p != root {
				return filepath.SkipDir
			}
			if p == root {
				return walkErr
			}
			return nil
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matcher.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		files = append(files, rel)
		if limit > 0 && len(files) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ListChildren returns the immediate children of the directory rel. Symlinks
// and other special files are left out.
func ListChildren(root, rel string, matcher *Matcher) ([]Entry, error) {
	entries, err := os.ReadDir(Abs(root, rel))
	if err != nil {
		return nil, err
	}
	children := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		childRel := entry.Name()
		if rel != "" && rel != "." {
			childRel = path.Join(rel, entry.Name())
		}
		if matcher.Ignored(childRel) {
			continue
		}
		switch {
		case entry.IsDir():
			children = append(children, Entry{Rel: childRel, IsDir: true})
		case entry.Type().IsRegular():
			children = append(children, Entry{Rel: childRel})
		}
	}
	return children, nil
}

// IsRegularFile reports whether rel names a regular file under root.
func IsRegularFile(root, rel string) bool {
	info, err := os.Lstat(Abs(root, rel))
	return err == nil && info.Mode().IsRegular()
}

// FileSize returns the size of a regular file, or an error if rel is missing
// or not a regular file.
func FileSize(root, rel string) (int64, error) {
	info, err := os.Lstat(Abs(root, rel))
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: not a regular file", rel)
	}
	return info.Size(), nil
}

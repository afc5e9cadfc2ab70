// Package merkle builds the content-hash tree of a workspace. File nodes hash
// their content; directory nodes hash their children's names and hashes, so
// any change below a directory changes every ancestor up to the root.
package merkle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/adamavenir/codeindex/internal/pathenc"
	"github.com/adamavenir/codeindex/internal/workspace"
)

// ErrNotFound is returned for paths that are not part of the tree.
var ErrNotFound = errors.New("path not in tree")

// Options controls which files enter the tree.
type Options struct {
	Matcher *workspace.Matcher
	// MaxFiles caps discovery; zero means no cap.
	MaxFiles int
	// MaxFileSize leaves larger files out; zero means no limit.
	MaxFileSize int64
}

// Node is one file or directory in the tree.
type Node struct {
	Path     string
	Hash     string
	IsDir    bool
	Children []string
}

// Tree is an immutable snapshot of workspace hashes keyed by relative path.
type Tree struct {
	root  string
	nodes map[string]*Node
	files []string
}

// Build walks root and hashes every included file.
func Build(ctx context.Context, root string, opts Options) (*Tree, error) {
	files, err := workspace.Discover(ctx, root, opts.Matcher, opts.MaxFiles)
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	hashes := make(map[string]string, len(files))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hash, err := hashFile(workspace.Abs(root, rel), opts.MaxFileSize)
		if err != nil {
			// Unreadable and oversize files are not part of the snapshot.
			continue
		}
		hashes[rel] = hash
	}
	tree := FromFileHashes(hashes)
	tree.root = root
	return tree, nil
}

// FromFileHashes assembles a tree from precomputed file hashes.
func FromFileHashes(files map[string]string) *Tree {
	t := &Tree{nodes: map[string]*Node{}}
	t.nodes[pathenc.Root] = &Node{Path: pathenc.Root, IsDir: true}
	for rel, hash := range files {
		rel = pathenc.Clean(rel)
		if _, dup := t.nodes[rel]; dup || rel == pathenc.Root {
			continue
		}
		t.nodes[rel] = &Node{Path: rel, Hash: hash}
		t.files = append(t.files, rel)
		// Each newly created node is linked into its parent exactly once.
		for child := rel; ; {
			parent := Parent(child)
			dir, ok := t.nodes[parent]
			if !ok {
				dir = &Node{Path: parent, IsDir: true}
				t.nodes[parent] = dir
			}
			dir.Children = append(dir.Children, child)
			if ok {
				break
			}
			child = parent
		}
	}
	sort.Strings(t.files)
	t.hashDir(t.nodes[pathenc.Root])
	return t
}

func (t *Tree) hashDir(n *Node) string {
	sort.Strings(n.Children)
	entries := make([]DirEntry, 0, len(n.Children))
	for _, childPath := range n.Children {
		child := t.nodes[childPath]
		hash := child.Hash
		if child.IsDir {
			hash = t.hashDir(child)
		}
		entries = append(entries, DirEntry{Name: path.Base(childPath), Hash: hash})
	}
	n.Hash = DirHash(entries)
	return n.Hash
}

// DirEntry is a named child hash fed to DirHash.
type DirEntry struct {
	Name string
	Hash string
}

// DirHash combines child entries into a directory hash. Entry order does not
// matter.
func DirHash(entries []DirEntry) string {
	sorted := append([]DirEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	h := sha256.New()
	for _, e := range sorted {
		io.WriteString(h, e.Name)
		h.Write([]byte{0})
		io.WriteString(h, e.Hash)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes is the file content hash.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFile(p string, maxSize int64) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if maxSize > 0 {
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		if info.Size() > maxSize {
			return "", fmt.Errorf("%s exceeds %d bytes", p, maxSize)
		}
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Root returns the directory the tree was built from, if any.
func (t *Tree) Root() string {
	return t.root
}

// RootHash is the hash of the workspace root.
func (t *Tree) RootHash() string {
	return t.nodes[pathenc.Root].Hash
}

// SubtreeHash returns the hash of the file or directory at rel.
func (t *Tree) SubtreeHash(rel string) (string, error) {
	n, ok := t.nodes[pathenc.Clean(rel)]
	if !ok {
		return "", fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	return n.Hash, nil
}

// Node returns the node at rel.
func (t *Tree) Node(rel string) (*Node, bool) {
	n, ok := t.nodes[pathenc.Clean(rel)]
	return n, ok
}

// Files returns every file path in the tree, sorted.
func (t *Tree) Files() []string {
	return append([]string(nil), t.files...)
}

// FileHashes returns a copy of the file hash map.
func (t *Tree) FileHashes() map[string]string {
	out := make(map[string]string, len(t.files))
	for _, rel := range t.files {
		out[rel] = t.nodes[rel].Hash
	}
	return out
}

// Parent returns the parent directory of rel; top-level entries have parent ".".
func Parent(rel string) string {
	rel = pathenc.Clean(rel)
	idx := strings.LastIndex(rel, "/")
	if idx < 0 {
		return pathenc.Root
	}
	return rel[:idx]
}

// Package source models the traversed (and/or user-assembled) source
// file tree: directories and files with their stats, decoded names,
// retained descriptors, and resolved physical extents.
//
// The tree is built bottom-up as the traversal proceeds. Directory
// descriptors are closed as soon as their children are read; file
// descriptors are retained until commit (or forever in daemon mode) so
// the kernel cannot reallocate the planned blocks underneath us.
package source

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/geometry"
)

// Kind tags an entry as a regular file or a directory.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// Entry is one node of the source tree: a file or a directory.
type Entry struct {
	Kind    Kind
	Name    []rune // decoded Unicode name (empty for the root)
	AbsPath string
	Stat    unix.Stat_t
	Parent  *Entry

	// Children, ordered as traversed; directories only.
	Children []*Entry

	file *os.File
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Kind == KindDir }

// IsFile reports whether the entry is a regular file.
func (e *Entry) IsFile() bool { return e.Kind == KindFile }

// Depth is the entry's distance from the root.
func (e *Entry) Depth() int {
	if e.Parent == nil {
		return 0
	}
	return e.Parent.Depth() + 1
}

// CloseFd releases the retained descriptor; the entry stays usable
// (the medium falls back to its path).
func (e *Entry) CloseFd() {
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
}

// AsExtent exposes the whole file as one logical extent on itself.
func (e *Entry) AsExtent() extent.Extent {
	return extent.New(0, e.Stat.Size, e)
}

// Medium surface: a file entry is a medium over its own content.

func (e *Entry) Data() []byte { return nil }
func (e *Entry) Path() string { return e.AbsPath }

func (e *Entry) Fd() int {
	if e.file == nil {
		f, err := os.Open(e.AbsPath)
		if err != nil {
			return -1
		}
		e.file = f
	}
	return int(e.file.Fd())
}

func (e *Entry) BlockDevice() uint64  { return e.Stat.Dev }
func (e *Entry) BlockSize() int64     { return e.Stat.Blksize }
func (e *Entry) IsDirectDevice() bool { return false }
func (e *Entry) IsAligned() bool      { return false }
func (e *Entry) ID() uint64           { return e.Stat.Ino }

func (e *Entry) WriteRange(fd int, r extent.Range) error {
	if src := e.Fd(); src >= 0 {
		return (&extent.FileMedium{File: e.file, Stat: e.Stat}).WriteRange(fd, r)
	}
	return fmt.Errorf("source %s lost its descriptor", e.AbsPath)
}

// Locator resolves a logical extent over a source file into physical
// extents on the backing storage.
type Locator interface {
	Resolve(x extent.Extent) ([]extent.Extent, error)
}

// Identity is the trivial locator: the file itself backs its extent.
// The natural choice when the target is a regular file and contents
// are copied rather than mapped.
type Identity struct{}

func (Identity) Resolve(x extent.Extent) ([]extent.Extent, error) {
	return []extent.Extent{x}, nil
}

// Tree is the source file set, both file-tree and disk-block aware.
type Tree struct {
	*geometry.Geometry

	Root *Entry

	// PathTable records directories in traversal (DFS) order; it will
	// become e.g. the CDFS path table.
	PathTable []*Entry
	// FileTable records regular files; it will become the file area.
	FileTable []*Entry
	// Layout maps each file to its resolved physical extents.
	Layout map[*Entry][]extent.Extent

	// Locator is the injected extent resolver.
	Locator Locator
	// AllowName filters raw child names; nil allows everything.
	AllowName func(name string) bool
	// EagerClose drops file descriptors right after resolution
	// instead of holding them until commit.
	EagerClose bool
}

// NewTree returns an empty tree with an identity locator.
func NewTree() *Tree {
	return &Tree{
		Geometry: geometry.NewGeometry(),
		Layout:   map[*Entry][]extent.Extent{},
		Locator:  Identity{},
	}
}

// Close releases every descriptor the tree still holds.
func (t *Tree) Close() {
	for _, f := range t.FileTable {
		f.CloseFd()
	}
}

// OpenRoot opens an existing directory as the tree root, traversing
// it unless told otherwise.
func (t *Tree) OpenRoot(path string, traverse bool) error {
	root := &Entry{Kind: KindDir, AbsPath: path}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("root %s: %w", path, err)
	}
	defer f.Close()
	if err := unix.Fstat(int(f.Fd()), &root.Stat); err != nil {
		return fmt.Errorf("stat root %s: %w", path, err)
	}
	t.Root = root
	return t.onFolder(root, traverse)
}

// FakeRoot starts the tree with a virtual folder; children arrive via
// InsertFile/InsertPath only.
func (t *Tree) FakeRoot() {
	now := unix.NsecToTimespec(time.Now().UnixNano())
	root := &Entry{Kind: KindDir}
	root.Stat.Mode = unix.S_IFDIR | 0755
	root.Stat.Mtim = now
	root.Stat.Ctim = now
	root.Stat.Atim = now
	t.Root = root
	t.PathTable = append(t.PathTable, root)
}

// InsertStat registers a user-provided path under the root, whatever
// supported type it is.
func (t *Tree) InsertStat(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return t.InsertFile(path)
	case unix.S_IFDIR:
		return t.InsertPath(path)
	default:
		slog.Warn("unsupported file type", "path", path, "mode", fmt.Sprintf("%#o", st.Mode))
		return nil
	}
}

// InsertFile adds a user-located regular file under the root. It need
// not be an actual child of the root in the source filesystem.
func (t *Tree) InsertFile(path string) error {
	return t.placeChild(t.Root, path, filepath.Base(path), KindFile)
}

// InsertPath adds a user-located directory under the root.
func (t *Tree) InsertPath(path string) error {
	return t.placeChild(t.Root, path, filepath.Base(path), KindDir)
}

func (t *Tree) useEntry(name string) bool {
	return t.AllowName == nil || t.AllowName(name)
}

func (t *Tree) placeChild(parent *Entry, path, name string, kind Kind) error {
	child := &Entry{Kind: kind, Name: []rune(name), AbsPath: path, Parent: parent}
	switch kind {
	case KindDir:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defer f.Close()
		if err := unix.Fstat(int(f.Fd()), &child.Stat); err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		parent.Children = append(parent.Children, child)
		return t.onFolder(child, true)
	default:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		child.file = f
		if err := unix.Fstat(int(f.Fd()), &child.Stat); err != nil {
			f.Close()
			return fmt.Errorf("stat %s: %w", path, err)
		}
		parent.Children = append(parent.Children, child)
		return t.onFile(child)
	}
}

// onFolder registers a directory in the path table and traverses it
// immediately. Its descriptor does not outlive the visit.
func (t *Tree) onFolder(dir *Entry, traverse bool) error {
	t.PathTable = append(t.PathTable, dir)
	if !traverse {
		return nil
	}
	names, err := readDirNames(dir.AbsPath)
	if err != nil {
		return err
	}
	for _, de := range names {
		name := de.Name()
		if !t.useEntry(name) {
			continue
		}
		kind, ok := childKind(de)
		if !ok {
			continue
		}
		path := filepath.Join(dir.AbsPath, name)
		if err := t.placeChild(dir, path, name, kind); err != nil {
			return err
		}
	}
	return nil
}

// onFile resolves the file's physical extents and charts them. The
// descriptor stays open unless eager close is on.
func (t *Tree) onFile(f *Entry) error {
	t.FileTable = append(t.FileTable, f)
	extents, err := t.Locator.Resolve(f.AsExtent())
	if err != nil {
		return fmt.Errorf("locate %s: %w", f.AbsPath, err)
	}
	t.Layout[f] = extents
	t.Chart(extents)
	if t.EagerClose {
		f.CloseFd()
	}
	return nil
}

// readDirNames lists a directory in stable name order. Symlinks,
// pipes, sockets and device nodes never make it into the tree.
func readDirNames(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func childKind(de os.DirEntry) (Kind, bool) {
	switch de.Type() {
	case 0:
		return KindFile, true
	case os.ModeDir:
		return KindDir, true
	default:
		return 0, false
	}
}

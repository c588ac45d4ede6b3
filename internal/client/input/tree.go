package input

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
)

type Node interface {
	Path() string
	Name() string
}

type File struct {
	path string
	name string
	size int64
	dir  *Dir
}

type Dir struct {
	path     string
	name     string
	children []Node
	parent   *Dir
}

func (f *File) Path() string { return f.path }
func (f *File) Name() string { return f.name }
func (f *File) Size() int64  { return f.size }

// ArchivePath is the slash-separated path of f inside a bundle, rooted at
// the tree's top directory.
func (f *File) ArchivePath() string {
	parts := []string{f.name}
	for d := f.dir; d != nil; d = d.parent {
		parts = append([]string{d.name}, parts...)
	}
	return path.Join(parts...)
}

func (d *Dir) Path() string { return d.path }
func (d *Dir) Name() string { return d.name }

type Filetree struct {
	Root Node
}

func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	var rootNodes []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
		} else {
			rootNodes = append(rootNodes, &File{
				path: parsedPath.FullPath,
				name: filepath.Base(parsedPath.FullPath),
				size: parsedPath.Size,
			})
		}
	}

	if len(rootNodes) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	if len(rootNodes) == 1 {
		return &Filetree{Root: rootNodes[0]}, nil
	}
	return &Filetree{Root: createVirtualRoot(rootNodes, time.Now())}, nil
}

func buildDirTree(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := buildDirTree(childPath)
			if err != nil {
				return nil, err
			}
			childDir.parent = dir
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, err
			}
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: info.Size(),
				dir:  dir,
			})
		}
		// symlinks and special files are skipped
	}

	return dir, nil
}

func createVirtualRoot(children []Node, now time.Time) *Dir {
	name := fmt.Sprintf("upload_%s", now.Format("2006_01_02_150405"))
	virtualRoot := &Dir{
		path:     name,
		name:     name,
		children: children,
	}

	for _, child := range children {
		switch c := child.(type) {
		case *Dir:
			c.parent = virtualRoot
		case *File:
			c.dir = virtualRoot
		}
	}

	return virtualRoot
}

// Files returns every file of the tree in depth-first order.
func (t *Filetree) Files() []*File {
	var out []*File
	var walk func(n Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *File:
			out = append(out, v)
		case *Dir:
			for _, c := range v.children {
				walk(c)
			}
		}
	}
	walk(t.Root)
	return out
}

// TotalSize sums the sizes of all files in the tree.
func (t *Filetree) TotalSize() int64 {
	var n int64
	for _, f := range t.Files() {
		n += f.size
	}
	return n
}

package input

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zip"
)

// Payload is the single stream submitted for compression. A lone file is
// sent as-is; anything else is bundled into a stored zip archive first.
type Payload struct {
	Name    string
	Size    int64
	Files   int
	Bundled bool
	path    string
}

// NewPayload prepares tree for upload. Bundles are written to a temporary
// file under tempDir ("" selects the system default); call Cleanup once the
// upload is done.
func NewPayload(tree *Filetree, tempDir string) (*Payload, error) {
	if f, ok := tree.Root.(*File); ok {
		return &Payload{
			Name:  f.name,
			Size:  f.size,
			Files: 1,
			path:  f.path,
		}, nil
	}

	tmp, err := os.CreateTemp(tempDir, "squeeze-bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	files := tree.Files()
	if err := writeBundle(tmp, files); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write bundle: %w", err)
	}
	info, err := tmp.Stat()
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	return &Payload{
		Name:    tree.Root.Name() + ".zip",
		Size:    info.Size(),
		Files:   len(files),
		Bundled: true,
		path:    tmp.Name(),
	}, nil
}

// writeBundle stores the files uncompressed; the job's codec does the
// actual compression.
func writeBundle(w io.Writer, files []*File) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		src, err := os.Open(f.path)
		if err != nil {
			return err
		}
		dst, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.ArchivePath(),
			Method:   zip.Store,
			Modified: time.Now(),
		})
		if err == nil {
			_, err = io.Copy(dst, src)
		}
		src.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", f.path, err)
		}
	}
	return zw.Close()
}

func (p *Payload) Open() (*os.File, error) {
	return os.Open(p.path)
}

// Cleanup removes the temporary bundle, if one was written.
func (p *Payload) Cleanup() error {
	if !p.Bundled {
		return nil
	}
	return os.Remove(p.path)
}

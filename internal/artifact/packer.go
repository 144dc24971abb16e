package artifact

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "imagesearch/pkg/errors"
	"imagesearch/pkg/logger"

	"github.com/klauspost/compress/gzip"
)

// aborter is implemented by writers that can discard staged data instead of
// publishing it.
type aborter interface {
	abort()
}

// Packer bundles local files into a single registry archive and unpacks it again.
type Packer struct {
	store   FileStore
	archive string
}

func NewPacker(store FileStore, archive string) *Packer {
	return &Packer{store: store, archive: archive}
}

// Archive is the registry path the packer reads and writes.
func (p *Packer) Archive() string {
	return p.archive
}

// Push archives files, flattened to their base names and in the given order,
// and uploads the archive in place of any previous one. It returns the number
// of payload bytes archived.
func (p *Packer) Push(ctx context.Context, files []string) (int64, error) {
	if len(files) == 0 {
		return 0, errors.New("artifact: nothing to push")
	}
	seen := make(map[string]string, len(files))
	for _, f := range files {
		base := filepath.Base(f)
		if prev, ok := seen[base]; ok {
			return 0, fmt.Errorf("artifact: %s and %s share the archive name %s", prev, f, base)
		}
		seen[base] = f
	}

	w, err := p.store.Write(ctx, p.archive)
	if err != nil {
		return 0, err
	}
	total, err := writeArchive(w, files)
	if err != nil {
		// closing would publish a broken archive
		if a, ok := w.(aborter); ok {
			a.abort()
		}
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("artifact: publish %s: %w", p.archive, err)
	}

	logger.Info("Pushed artifacts", "archive", p.archive, "files", len(files), "bytes", total)
	return total, nil
}

func writeArchive(w io.Writer, files []string) (int64, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var total int64
	for _, path := range files {
		n, err := addFile(tw, path)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return total, nil
}

func addFile(tw *tar.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("artifact: %s is not a regular file", path)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.Copy(tw, f)
}

// Pull downloads the archive and extracts it into destDir, replacing files with
// the same names. Entries are published one by one in archive order, each via
// a temp file and a rename. It returns the extracted paths.
func (p *Packer) Pull(ctx context.Context, destDir string) ([]string, error) {
	r, err := p.store.Read(ctx, p.archive)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrArtifactNotFound, p.archive)
		}
		return nil, err
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("artifact: open archive %s: %w", p.archive, err)
	}
	defer gz.Close()

	var extracted []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("artifact: read archive %s: %w", p.archive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := entryPath(root, hdr.Name)
		if err != nil {
			return extracted, err
		}
		if err := extract(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
			return extracted, err
		}
		extracted = append(extracted, target)
	}

	logger.Info("Pulled artifacts", "archive", p.archive, "dest", root, "files", len(extracted))
	return extracted, nil
}

// entryPath resolves an archive entry name below root and refuses names that
// would land outside it.
func entryPath(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("artifact: illegal entry name %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact: entry %q escapes %s", name, root)
	}
	return target, nil
}

func extract(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("artifact: extract %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

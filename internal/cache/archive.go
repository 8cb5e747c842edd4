package cache

import (
	"archive/tar"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
)

// buildArchive packs the given paths (relative to root) into a gzip'd tar
// written to a temp file under dir, and returns the hex blake3 digest of the
// uncompressed tar stream. Hashing the uncompressed stream keeps the address
// independent of compression settings, so an unchanged path set always maps
// to the same blob. Missing paths are skipped: caching a path that a cold
// job never produced is not an error.
func buildArchive(dir, root string, paths []string) (digest, file string, err error) {
	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return "", "", err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	gz := gzip.NewWriter(tmp)
	hasher := blake3.New()
	tw := tar.NewWriter(io.MultiWriter(gz, hasher))

	for _, p := range paths {
		if err = addPath(tw, root, p); err != nil {
			return "", "", err
		}
	}

	if err = tw.Close(); err != nil {
		return "", "", err
	}
	if err = gz.Close(); err != nil {
		return "", "", err
	}
	if err = tmp.Close(); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), tmp.Name(), nil
}

// addPath appends one declared path (file or directory tree) to the archive.
func addPath(tw *tar.Writer, root, path string) error {
	full := filepath.Join(root, path)
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return addFile(tw, root, full)
	}
	return filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return addFile(tw, root, p)
	})
}

// addFile writes a single regular file entry. Header timestamps are zeroed
// so an unchanged path set produces a byte-identical tar stream.
func addFile(tw *tar.Writer, root, full string) error {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name: filepath.ToSlash(rel),
		Mode: int64(info.Mode().Perm()),
		Size: info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive unpacks a blob file into root, refusing entries that would
// escape it.
func extractArchive(blobPath, root string) error {
	f, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	cleanRoot := filepath.Clean(root)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.FromSlash(hdr.Name)
		dest := filepath.Join(cleanRoot, name)
		if filepath.IsAbs(name) || !strings.HasPrefix(dest, cleanRoot+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes extraction root", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

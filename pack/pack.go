// Package pack implements the turbolift Source Packager: it compresses a
// DerivedProject directory into a deterministic tar archive suitable for
// embedding in the caller's binary with go:embed.
package pack

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// excluded names are never included in the archive, matching spec.md's
// exclusion set. "bin" replaces the original Cargo "target" as this
// module's build-artifact directory name.
var excluded = map[string]bool{
	"bin":        true,
	".git":       true,
	".turbolift": true,
}

// deterministicModTime is used for every archive entry so that packaging
// the same DerivedProject twice yields byte-identical archives, satisfying
// spec.md §8's Packager determinism property "modulo timestamps" by
// normalizing them to a fixed value rather than comparing after the fact.
var deterministicModTime = time.Unix(0, 0).UTC()

// Pack compresses the project rooted at dir into a tar archive. Every
// entry's path in the archive is relative to a single top-level directory
// named after filepath.Base(dir), and regular files are included in a
// fixed, repeatable order regardless of the host filesystem's directory
// iteration order.
func Pack(dir string) ([]byte, error) {
	dir = filepath.Clean(dir)
	base := filepath.Base(dir)

	entries, err := collect(dir, base)
	if err != nil {
		return nil, errors.Wrapf(err, "pack: walking %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].archivePath < entries[j].archivePath })

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := writeDirHeader(tw, base); err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.isDir {
			if err := writeDirHeader(tw, e.archivePath); err != nil {
				return nil, err
			}
			continue
		}
		if err := writeFile(tw, e.realPath, e.archivePath); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "pack: closing archive")
	}
	return buf.Bytes(), nil
}

type entry struct {
	realPath    string
	archivePath string
	isDir       bool
}

// collect walks dir (following symlinks to directories, per spec.md's
// "follow symlinks to directories as if they were ordinary directories"),
// skipping excluded names, and returns every regular file and directory
// found along with its path inside the archive.
func collect(dir, archiveBase string) ([]entry, error) {
	var out []entry
	var walk func(realDir, archiveDir string) error
	walk = func(realDir, archiveDir string) error {
		children, err := os.ReadDir(realDir)
		if err != nil {
			return err
		}
		for _, child := range children {
			if excluded[child.Name()] {
				continue
			}
			realChild := filepath.Join(realDir, child.Name())
			archiveChild := filepath.Join(archiveDir, child.Name())

			info, err := os.Stat(realChild) // Stat follows symlinks.
			if err != nil {
				return err
			}
			if info.IsDir() {
				out = append(out, entry{realPath: realChild, archivePath: archiveChild, isDir: true})
				if err := walk(realChild, archiveChild); err != nil {
					return err
				}
				continue
			}
			if info.Mode()&fs.ModeType != 0 && !info.Mode().IsRegular() {
				continue // skip devices, sockets, etc.
			}
			out = append(out, entry{realPath: realChild, archivePath: archiveChild})
		}
		return nil
	}
	if err := walk(dir, archiveBase); err != nil {
		return nil, err
	}
	return out, nil
}

func writeDirHeader(tw *tar.Writer, archivePath string) error {
	hdr := &tar.Header{
		Name:     archivePath + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
		ModTime:  deterministicModTime,
	}
	return tw.WriteHeader(hdr)
}

func writeFile(tw *tar.Writer, realPath, archivePath string) error {
	data, err := os.ReadFile(realPath)
	if err != nil {
		return errors.Wrapf(err, "pack: reading %s", realPath)
	}
	hdr := &tar.Header{
		Name:     archivePath,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  deterministicModTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "pack: writing header for %s", archivePath)
	}
	if _, err := tw.Write(data); err != nil {
		return errors.Wrapf(err, "pack: writing contents for %s", archivePath)
	}
	return nil
}

// Unpack decompresses an archive produced by Pack into dest, recreating
// its directory structure.
func Unpack(data []byte, dest string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "pack: reading archive entry")
		}
		target := filepath.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "pack: creating directory %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "pack: creating parent of %s", target)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return errors.Wrapf(err, "pack: creating %s", target)
			}
			if _, err := f.ReadFrom(tr); err != nil {
				f.Close()
				return errors.Wrapf(err, "pack: writing %s", target)
			}
			if err := f.Close(); err != nil {
				return errors.Wrapf(err, "pack: closing %s", target)
			}
		}
	}
}

package action

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
)

// Directory artifacts are tar.gz archives. Archives are deterministic: entries
// are sorted, timestamps and ownership are zeroed and modes are reduced to
// 0755 for directories and executables and 0644 otherwise. Packing the same
// tree twice yields identical bytes and therefore an identical digest.

var epoch = time.Unix(0, 0).UTC()

type archiveWriter struct {
	buf bytes.Buffer
	gz  *gzip.Writer
	tw  *tar.Writer
}

func newArchiveWriter() *archiveWriter {
	a := &archiveWriter{}
	a.gz = gzip.NewWriter(&a.buf)
	a.tw = tar.NewWriter(a.gz)
	return a
}

func (a *archiveWriter) dir(name string) error {
	return a.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0o755,
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	})
}

func (a *archiveWriter) file(name string, mode fs.FileMode, data []byte) error {
	perm := int64(0o644)
	if mode&0o111 != 0 {
		perm = 0o755
	}
	if err := a.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     perm,
		Size:     int64(len(data)),
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}); err != nil {
		return err
	}
	_, err := a.tw.Write(data)
	return err
}

func (a *archiveWriter) bytes() ([]byte, error) {
	if err := a.tw.Close(); err != nil {
		return nil, err
	}
	if err := a.gz.Close(); err != nil {
		return nil, err
	}
	return a.buf.Bytes(), nil
}

// PackDir archives the directory tree rooted at root. Only regular files and
// directories are included; symlinks and special files are rejected.
func PackDir(root string) ([]byte, error) {
	a := newArchiveWriter()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			return a.dir(name)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return a.file(name, info.Mode(), data)
		default:
			return fmt.Errorf("unsupported file type at %s", name)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", root, err)
	}
	return a.bytes()
}

// PackFS archives a billy filesystem, such as a go-git worktree.
func PackFS(fsys billy.Filesystem) ([]byte, error) {
	a := newArchiveWriter()
	if err := packBilly(a, fsys, ""); err != nil {
		return nil, fmt.Errorf("packing worktree: %w", err)
	}
	return a.bytes()
}

func packBilly(a *archiveWriter, fsys billy.Filesystem, dir string) error {
	infos, err := fsys.ReadDir(dirOrRoot(dir))
	if err != nil {
		return err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	for _, info := range infos {
		name := info.Name()
		if dir != "" {
			name = path.Join(dir, name)
		}
		if name == ".git" {
			continue
		}
		switch {
		case info.IsDir():
			if err := a.dir(name); err != nil {
				return err
			}
			if err := packBilly(a, fsys, name); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			f, err := fsys.Open(name)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return err
			}
			if err := a.file(name, info.Mode(), data); err != nil {
				return err
			}
		default:
			// Symlinks in a worktree are not reproduced.
		}
	}
	return nil
}

func dirOrRoot(dir string) string {
	if dir == "" {
		return "/"
	}
	return dir
}

// Unpack extracts a PackDir/PackFS archive into dest. Entries that would land
// outside dest are rejected.
func Unpack(data []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&0o755)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("archive entry %q: unsupported type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

// safeJoin resolves a slash-separated relative name under root.
func safeJoin(root, name string) (string, error) {
	clean := path.Clean("/" + strings.TrimPrefix(name, "./"))
	if name == "" || path.IsAbs(name) || clean != "/"+strings.TrimSuffix(strings.TrimPrefix(name, "./"), "/") {
		return "", fmt.Errorf("unsafe path %q", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

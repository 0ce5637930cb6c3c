package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/vecshard/internal/hash"
)

// archiveWriter is a tar stream on top of a compressor.
type archiveWriter struct {
	tw   *tar.Writer
	comp io.WriteCloser
}

func newArchiveWriter(w io.Writer, c Compression) (*archiveWriter, error) {
	comp, err := compressor(w, c)
	if err != nil {
		return nil, err
	}
	return &archiveWriter{tw: tar.NewWriter(comp), comp: comp}, nil
}

// writeBytes adds an in-memory file.
func (a *archiveWriter) writeBytes(name string, data []byte) error {
	if err := a.tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	_, err := a.tw.Write(data)
	return err
}

// writeFile adds a file from disk and returns its CRC32C.
func (a *archiveWriter) writeFile(name, src string) (uint32, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, fmt.Errorf("file header: %w", err)
	}
	header.Name = name
	if err := a.tw.WriteHeader(header); err != nil {
		return 0, fmt.Errorf("write header %s: %w", name, err)
	}

	cw := hash.NewChecksumWriter(a.tw)
	if _, err := io.Copy(cw, f); err != nil {
		return 0, fmt.Errorf("copy %s: %w", name, err)
	}
	return cw.Sum32(), nil
}

// writeDir adds every regular file below dir under prefix and returns the
// checksums keyed by archive path relative to prefix.
func (a *archiveWriter) writeDir(ctx context.Context, prefix, dir string) (map[string]uint32, error) {
	sums := make(map[string]uint32)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		sum, err := a.writeFile(path.Join(prefix, rel), p)
		if err != nil {
			return err
		}
		sums[rel] = sum
		return nil
	})
	return sums, err
}

func (a *archiveWriter) Close() error {
	err1 := a.tw.Close()
	err2 := a.comp.Close()
	return errors.Join(err1, err2)
}

// extract unpacks an archive stream into dst. Entry names must stay inside
// dst.
func extract(ctx context.Context, r io.Reader, dst string) error {
	dr, done, err := decompressor(r)
	if err != nil {
		return err
	}
	defer done()

	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return corruptf("read entry: %v", err)
		}

		name := path.Clean(header.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return corruptf("entry %q escapes the archive", header.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := copyOut(target, tr); err != nil {
				return err
			}
		default:
			return corruptf("unexpected entry type %d for %q", header.Typeflag, header.Name)
		}
	}
}

func copyOut(target string, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		// A short body is a truncated archive, not an IO problem.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return corruptf("truncated entry %s", filepath.Base(target))
		}
		return fmt.Errorf("copy: %w", err)
	}
	return f.Close()
}

// verifyFiles checks the extracted files below dir against their recorded
// checksums.
func verifyFiles(dir string, files map[string]uint32) error {
	for rel, want := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return corruptf("missing file %s", rel)
			}
			return err
		}
		if got := hash.CRC32C(data); got != want {
			return corruptf("checksum mismatch for %s", rel)
		}
	}
	return nil
}

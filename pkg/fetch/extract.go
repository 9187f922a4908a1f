package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

type extractor func(archive *os.File, bar *progressbar.ProgressBar, destPath string, spec ToolSpec) error

// extractorFor picks an extractor based on the URL's archive suffix.
func extractorFor(url string) (extractor, error) {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"):
		return func(archive *os.File, bar *progressbar.ProgressBar, destPath string, spec ToolSpec) error {
			reader, err := gzip.NewReader(archive)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, archive, bar, destPath, spec)
		}, nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(archive *os.File, bar *progressbar.ProgressBar, destPath string, spec ToolSpec) error {
			return extractTar(bzip2.NewReader(archive), archive, bar, destPath, spec)
		}, nil
	case strings.HasSuffix(url, ".tar.xz"):
		return func(archive *os.File, bar *progressbar.ProgressBar, destPath string, spec ToolSpec) error {
			reader, err := xz.NewReader(archive)
			if err != nil {
				return err
			}

			return extractTar(reader, archive, bar, destPath, spec)
		}, nil
	}

	return nil, eris.Errorf("no supported archive format for %s", url)
}

// stripDest maps an archive member to its destination path, dropping the
// configured number of leading path elements. It returns an empty string
// for members that vanish entirely after stripping.
func stripDest(destPath, member string, strip int) string {
	parts := strings.Split(filepath.Clean(filepath.FromSlash(member)), string(filepath.Separator))
	if len(parts) <= strip {
		return ""
	}

	dest := filepath.Join(destPath, filepath.Join(parts[strip:]...))
	if dest == destPath {
		return ""
	}
	return dest
}

func createDest(dest string) (*os.File, error) {
	err := os.MkdirAll(filepath.Dir(dest), 0770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create directory %s", filepath.Dir(dest))
	}

	handle, err := os.Create(dest)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create file %s", dest)
	}
	return handle, nil
}

func extractZip(archive *os.File, bar *progressbar.ProgressBar, destPath string, spec ToolSpec) error {
	stat, err := archive.Stat()
	if err != nil {
		return err
	}

	reader, err := zip.NewReader(archive, stat.Size())
	if err != nil {
		return err
	}

	for _, item := range reader.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		dest := stripDest(destPath, item.Name, spec.Strip)
		if dest == "" {
			continue
		}

		destHandle, err := createDest(dest)
		if err != nil {
			return err
		}

		itemHandle, err := item.Open()
		if err != nil {
			destHandle.Close()
			return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
		}

		_, err = io.Copy(destHandle, itemHandle)
		itemHandle.Close()
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to extract %s", item.Name)
		}

		if pos, err := archive.Seek(0, io.SeekCurrent); err == nil {
			bar.Set64(pos)
		}
	}

	return nil
}

func extractTar(decompressed io.Reader, archive *os.File, bar *progressbar.ProgressBar, destPath string, spec ToolSpec) error {
	reader := tar.NewReader(decompressed)

	for {
		item, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		dest := stripDest(destPath, item.Name, spec.Strip)
		if dest == "" {
			continue
		}

		if item.Typeflag == tar.TypeSymlink {
			err = os.MkdirAll(filepath.Dir(dest), 0770)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory for %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil && !eris.Is(err, os.ErrExist) {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		destHandle, err := createDest(dest)
		if err != nil {
			return err
		}

		_, err = io.Copy(destHandle, reader)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to extract %s", item.Name)
		}

		os.Chmod(dest, fi.Mode())

		if pos, err := archive.Seek(0, io.SeekCurrent); err == nil {
			bar.Set64(pos)
		}
	}

	return nil
}

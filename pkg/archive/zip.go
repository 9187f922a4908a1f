// Package archive builds the zip bundles the release tasks publish, most
// importantly the plugins archive. Entries are written in sorted order so
// repeated runs over the same tree produce identical member lists.
package archive

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
)

// ZipOptions controls how a directory is bundled.
type ZipOptions struct {
	// Exclude lists glob patterns matched against the slash-separated path
	// of each entry relative to the bundled directory.
	Exclude []string
}

// ZipDirectory recursively packs the content of dir into a zip archive at
// dest. Directory entries are not written; empty directories are dropped.
func ZipDirectory(dest, dir string, opts ZipOptions) error {
	members, err := collectMembers(dir, opts.Exclude)
	if err != nil {
		return err
	}

	handle, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", dest)
	}

	writer := zip.NewWriter(handle)
	for _, member := range members {
		err = writeMember(writer, dir, member)
		if err != nil {
			writer.Close()
			handle.Close()
			return err
		}
	}

	err = writer.Close()
	if err != nil {
		handle.Close()
		return eris.Wrapf(err, "failed to finalize %s", dest)
	}

	return handle.Close()
}

func collectMembers(dir string, exclude []string) ([]string, error) {
	members := make([]string, 0)

	err := filepath.WalkDir(dir, func(fullPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(dir, fullPath)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if relPath == "." {
			return nil
		}

		excluded, err := matchesAny(exclude, relPath)
		if err != nil {
			return err
		}

		if entry.IsDir() {
			if excluded {
				return filepath.SkipDir
			}
			return nil
		}

		if !excluded && entry.Type().IsRegular() {
			members = append(members, relPath)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to walk %s", dir)
	}

	sort.Strings(members)
	return members, nil
}

func matchesAny(patterns []string, relPath string) (bool, error) {
	for _, pattern := range patterns {
		match, err := path.Match(pattern, relPath)
		if err != nil {
			return false, eris.Wrapf(err, "invalid exclude pattern %s", pattern)
		}
		if match {
			return true, nil
		}

		// also match against the base name so patterns like *.pyc apply
		// at every depth
		match, err = path.Match(pattern, path.Base(relPath))
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func writeMember(writer *zip.Writer, dir, relPath string) error {
	fullPath := filepath.Join(dir, filepath.FromSlash(relPath))
	fi, err := os.Stat(fullPath)
	if err != nil {
		return eris.Wrapf(err, "failed to stat %s", fullPath)
	}

	header, err := zip.FileInfoHeader(fi)
	if err != nil {
		return eris.Wrapf(err, "failed to build header for %s", relPath)
	}
	header.Name = relPath
	header.Method = zip.Deflate

	entry, err := writer.CreateHeader(header)
	if err != nil {
		return eris.Wrapf(err, "failed to add %s", relPath)
	}

	handle, err := os.Open(fullPath)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", fullPath)
	}

	_, err = io.Copy(entry, handle)
	handle.Close()
	if err != nil {
		return eris.Wrapf(err, "failed to pack %s", relPath)
	}

	return nil
}

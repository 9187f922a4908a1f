package bundle

import (
	"encoding/binary"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

// Entry describes a single file inside a bundle.
type Entry struct {
	// Path is the slash-separated location inside the bundle.
	Path string
	// Size is the decompressed size in bytes.
	Size int64

	offset uint32
	stored uint32
}

// Reader reads bundle archives written by Writer.
type Reader struct {
	hdl     *os.File
	entries []Entry
}

// OpenReader opens a bundle and parses its table of contents.
func OpenReader(filename string) (*Reader, error) {
	hdl, err := os.Open(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", filename)
	}

	header := make([]byte, headerSize)
	_, err = io.ReadFull(hdl, header)
	if err != nil {
		hdl.Close()
		return nil, eris.Wrapf(err, "failed to read header of %s", filename)
	}

	if [4]byte(header[:4]) != magic {
		hdl.Close()
		return nil, eris.Errorf("%s is not a bundle archive", filename)
	}

	tocOffset := binary.LittleEndian.Uint32(header[4:8])
	count := binary.LittleEndian.Uint32(header[8:12])

	_, err = hdl.Seek(int64(tocOffset), io.SeekStart)
	if err != nil {
		hdl.Close()
		return nil, err
	}

	entries, err := parseToc(hdl, count)
	if err != nil {
		hdl.Close()
		return nil, eris.Wrapf(err, "failed to parse table of contents of %s", filename)
	}

	return &Reader{hdl: hdl, entries: entries}, nil
}

func parseToc(r io.Reader, count uint32) ([]Entry, error) {
	// the count comes from an untrusted header, don't preallocate blindly
	entries := make([]Entry, 0, min(count, 4096))
	buffer := make([]byte, 16)
	dirStack := make([]string, 0)

	for idx := uint32(0); idx < count; idx++ {
		_, err := io.ReadFull(r, buffer[:1])
		if err != nil {
			return nil, err
		}

		switch buffer[0] {
		case kindFile:
			_, err = io.ReadFull(r, buffer[:14])
			if err != nil {
				return nil, err
			}

			offset := binary.LittleEndian.Uint32(buffer[:4])
			stored := binary.LittleEndian.Uint32(buffer[4:8])
			decSize := binary.LittleEndian.Uint32(buffer[8:12])
			name, err := readName(r, binary.LittleEndian.Uint16(buffer[12:14]))
			if err != nil {
				return nil, err
			}

			entries = append(entries, Entry{
				Path:   path.Join(append(append([]string{}, dirStack...), name)...),
				Size:   int64(decSize),
				offset: offset,
				stored: stored,
			})
		case kindDirStart:
			_, err = io.ReadFull(r, buffer[:2])
			if err != nil {
				return nil, err
			}

			name, err := readName(r, binary.LittleEndian.Uint16(buffer[:2]))
			if err != nil {
				return nil, err
			}

			dirStack = append(dirStack, name)
		case kindDirEnd:
			if len(dirStack) == 0 {
				return nil, eris.New("unbalanced directory markers")
			}
			dirStack = dirStack[:len(dirStack)-1]
		default:
			return nil, eris.Errorf("unknown entry kind %d", buffer[0])
		}
	}

	if len(dirStack) != 0 {
		return nil, eris.New("unbalanced directory markers")
	}
	return entries, nil
}

func readName(r io.Reader, length uint16) (string, error) {
	raw := make([]byte, length)
	_, err := io.ReadFull(r, raw)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Entries lists the bundle's files in archive order.
func (r *Reader) Entries() []Entry {
	return r.entries
}

// ReadFile decompresses the file at the given slash-separated path.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	for _, entry := range r.entries {
		if entry.Path == name {
			return r.read(entry)
		}
	}

	return nil, eris.Errorf("%s not found in bundle", name)
}

func (r *Reader) read(entry Entry) ([]byte, error) {
	section := io.NewSectionReader(r.hdl, int64(entry.offset), int64(entry.stored))
	content, err := io.ReadAll(brotli.NewReader(section))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to decompress %s", entry.Path)
	}

	if int64(len(content)) != entry.Size {
		return nil, eris.Errorf("%s: expected %d bytes but got %d", entry.Path, entry.Size, len(content))
	}
	return content, nil
}

// Extract writes every file in the bundle below dest.
func (r *Reader) Extract(dest string) error {
	for _, entry := range r.entries {
		content, err := r.read(entry)
		if err != nil {
			return err
		}

		target := filepath.Join(dest, filepath.FromSlash(entry.Path))
		err = os.MkdirAll(filepath.Dir(target), 0770)
		if err != nil {
			return eris.Wrapf(err, "failed to create directory for %s", entry.Path)
		}

		err = os.WriteFile(target, content, 0660)
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", target)
		}
	}

	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.hdl.Close()
}

// Package bundle implements a compact, brotli-compressed container for
// plugin distribution. File payloads are written front to back, a table of
// contents follows at the end and the fixed header points at it.
//
// Layout: 4 byte magic "SVB1", uint32 toc offset, uint32 entry count, the
// compressed payloads and finally the toc entries. Every integer is
// little-endian. A toc entry starts with a kind byte (file, directory
// start, directory end); file entries carry payload offset, stored size,
// decompressed size and name, directory-start entries carry only a name.
package bundle

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

var magic = [4]byte{'S', 'V', 'B', '1'}

const headerSize = 4 + 4 + 4

const (
	kindFile = iota
	kindDirStart
	kindDirEnd
)

type tocEntry struct {
	kind    byte
	name    string
	offset  uint32
	size    uint32
	decSize uint32
}

// Writer writes bundle archives. Entries appear in the archive in the order
// they are written.
type Writer struct {
	hdl     *os.File
	entries []tocEntry
	depth   int
	buffer  []byte
}

// NewWriter creates the bundle file and prepares it for writing.
func NewWriter(filename string) (*Writer, error) {
	hdl, err := os.Create(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filename)
	}

	// payloads start right after the fixed header
	_, err = hdl.Seek(headerSize, io.SeekStart)
	if err != nil {
		hdl.Close()
		return nil, err
	}

	return &Writer{
		hdl:    hdl,
		buffer: make([]byte, 4096),
	}, nil
}

// OpenDirectory starts a new directory entry. Everything written until the
// matching CloseDirectory call lands inside this directory.
func (w *Writer) OpenDirectory(dirname string) error {
	if len(dirname) > math.MaxUint16 {
		return eris.Errorf("directory name %s is too long", dirname)
	}

	w.entries = append(w.entries, tocEntry{kind: kindDirStart, name: dirname})
	w.depth++
	return nil
}

// CloseDirectory closes the directory that was opened last.
func (w *Writer) CloseDirectory() error {
	if w.depth < 1 {
		return eris.New("no directory left on stack")
	}

	w.entries = append(w.entries, tocEntry{kind: kindDirEnd})
	w.depth--
	return nil
}

// WriteFile compresses the reader's content into the current directory.
func (w *Writer) WriteFile(filename string, reader io.Reader) error {
	if len(filename) > math.MaxUint16 {
		return eris.Errorf("file name %s is too long", filename)
	}

	offset, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	brw := brotli.NewWriterLevel(w.hdl, brotli.BestCompression)
	decSize, err := io.CopyBuffer(brw, reader, w.buffer)
	if err != nil {
		return eris.Wrapf(err, "failed to compress %s", filename)
	}

	err = brw.Close()
	if err != nil {
		return eris.Wrapf(err, "failed to flush %s", filename)
	}

	newPos, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	// the toc stores offsets and sizes as uint32
	if newPos > math.MaxUint32 {
		return eris.Errorf("%s pushes the bundle past the 4 GiB format limit", filename)
	}
	if decSize > math.MaxUint32 {
		return eris.Errorf("%s is larger than the 4 GiB format limit", filename)
	}

	w.entries = append(w.entries, tocEntry{
		kind:    kindFile,
		name:    filename,
		offset:  uint32(offset),
		size:    uint32(newPos - offset),
		decSize: uint32(decSize),
	})
	return nil
}

// Close writes the table of contents and the header, then closes the file.
func (w *Writer) Close() error {
	if w.depth != 0 {
		w.hdl.Close()
		return eris.New("open directories left over")
	}

	tocOffset, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		w.hdl.Close()
		return err
	}

	if tocOffset > math.MaxUint32 {
		w.hdl.Close()
		return eris.New("bundle exceeds the 4 GiB format limit")
	}

	buffer := make([]byte, 16)
	for _, entry := range w.entries {
		buffer[0] = entry.kind
		pos := 1

		if entry.kind == kindFile {
			binary.LittleEndian.PutUint32(buffer[pos:], entry.offset)
			binary.LittleEndian.PutUint32(buffer[pos+4:], entry.size)
			binary.LittleEndian.PutUint32(buffer[pos+8:], entry.decSize)
			pos += 12
		}

		if entry.kind != kindDirEnd {
			binary.LittleEndian.PutUint16(buffer[pos:], uint16(len(entry.name)))
			pos += 2
		}

		_, err = w.hdl.Write(buffer[:pos])
		if err != nil {
			w.hdl.Close()
			return err
		}

		if entry.kind != kindDirEnd {
			_, err = w.hdl.WriteString(entry.name)
			if err != nil {
				w.hdl.Close()
				return err
			}
		}
	}

	_, err = w.hdl.Seek(0, io.SeekStart)
	if err != nil {
		w.hdl.Close()
		return err
	}

	copy(buffer[:4], magic[:])
	binary.LittleEndian.PutUint32(buffer[4:8], uint32(tocOffset))
	binary.LittleEndian.PutUint32(buffer[8:12], uint32(len(w.entries)))

	_, err = w.hdl.Write(buffer[:headerSize])
	if err != nil {
		w.hdl.Close()
		return err
	}

	return w.hdl.Close()
}

// Pack bundles the content of dir into a new archive at dest, walking the
// tree recursively.
func Pack(dest, dir string) error {
	writer, err := NewWriter(dest)
	if err != nil {
		return err
	}

	err = packDirectory(writer, dir)
	if err != nil {
		writer.hdl.Close()
		return err
	}

	return writer.Close()
}

func packDirectory(writer *Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return eris.Wrapf(err, "failed to read dir %s", dir)
	}

	for _, entry := range entries {
		itemPath := dir + string(os.PathSeparator) + entry.Name()
		if entry.IsDir() {
			err = writer.OpenDirectory(entry.Name())
			if err != nil {
				return err
			}

			err = packDirectory(writer, itemPath)
			if err != nil {
				return err
			}

			err = writer.CloseDirectory()
			if err != nil {
				return err
			}
			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}

		handle, err := os.Open(itemPath)
		if err != nil {
			return eris.Wrapf(err, "failed to open file %s", itemPath)
		}

		err = writer.WriteFile(entry.Name(), handle)
		handle.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to pack file %s", itemPath)
		}
	}

	return nil
}

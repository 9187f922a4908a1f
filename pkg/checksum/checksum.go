// Package checksum produces the digest sidecar files that accompany dist
// artifacts when they are uploaded to a package index.
package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// Encoding selects the textual form of the digest.
type Encoding int

const (
	// Hex is the usual lowercase hex digest.
	Hex Encoding = iota
	// Base64 is the standard base64 digest some upload targets expect.
	Base64
)

// File computes the sha256 digest of the named file.
func File(filename string, enc Encoding) (string, error) {
	handle, err := os.Open(filename)
	if err != nil {
		return "", eris.Wrapf(err, "failed to open %s", filename)
	}
	defer handle.Close()

	hash := sha256.New()
	_, err = io.Copy(hash, handle)
	if err != nil {
		return "", eris.Wrapf(err, "failed to hash %s", filename)
	}

	digest := hash.Sum(nil)
	if enc == Base64 {
		return base64.StdEncoding.EncodeToString(digest), nil
	}
	return hex.EncodeToString(digest), nil
}

// WriteSidecar writes the digest of filename to filename + ".sha256" and
// returns the digest.
func WriteSidecar(filename string, enc Encoding) (string, error) {
	digest, err := File(filename, enc)
	if err != nil {
		return "", err
	}

	sidecar := filename + ".sha256"
	err = os.WriteFile(sidecar, []byte(digest+"\n"), 0660)
	if err != nil {
		return "", eris.Wrapf(err, "failed to write %s", sidecar)
	}

	return digest, nil
}

// Verify compares the file's digest against the expected value in the given
// encoding.
func Verify(filename, expected string, enc Encoding) error {
	digest, err := File(filename, enc)
	if err != nil {
		return err
	}

	if digest != expected {
		return eris.Errorf("checksum mismatch for %s: expected %s but got %s", filename, expected, digest)
	}
	return nil
}

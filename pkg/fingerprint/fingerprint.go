// Package fingerprint computes content fingerprints used to detect
// whether a remote document changed since it was last archived.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// FromReader returns the hex encoded SHA-256 sum of everything read from r.
func FromReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "fingerprint read")
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// FromFile returns the fingerprint of the file at path.
func FromFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "fingerprint open file")
	}
	defer f.Close()

	return FromReader(f)
}

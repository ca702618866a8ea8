package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rashberry/rashberry-cli/internal/tus"
)

// Fingerprint returns the hex SHA-256 of the file's content. The ledger keys
// resumable sessions on path plus fingerprint, so a file rewritten in place
// never resumes into a session started for its old content.
func Fingerprint(f tus.File) (string, error) {
	h := sha256.New()

	if _, err := io.Copy(h, io.NewSectionReader(f, 0, f.Size())); err != nil {
		return "", fmt.Errorf("transfer: hashing %s: %w", f.Name(), err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package contentkey derives the idempotency key for a file from its
// bytes. Byte-identical files always map to the same key, which both
// the local queue and the backend use for deduplication.
package contentkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
)

// Prefix namespaces content keys so they cannot collide with other
// idempotency keys the backend may accept.
const Prefix = "upload:"

// digestHexLen is the length of a hex-encoded SHA-256 digest.
const digestHexLen = sha256.Size * 2

// Key is an idempotency key of the form "upload:<sha256 hex>".
type Key string

// FromDigest builds a key from a lowercase hex SHA-256 digest.
func FromDigest(digest string) Key {
	return Key(Prefix + digest)
}

// Digest returns the hex SHA-256 part of the key, the value sent in
// X-Content-SHA256.
func (k Key) Digest() string {
	return strings.TrimPrefix(string(k), Prefix)
}

func (k Key) String() string { return string(k) }

// Parse validates s as a content key.
func Parse(s string) (Key, error) {
	digest, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return "", fmt.Errorf("content key %q: missing %q prefix", s, Prefix)
	}

	if len(digest) != digestHexLen {
		return "", fmt.Errorf("content key %q: digest must be %d hex characters", s, digestHexLen)
	}

	if _, err := hex.DecodeString(digest); err != nil || strings.ToLower(digest) != digest {
		return "", fmt.Errorf("content key %q: digest must be lowercase hex", s)
	}

	return Key(s), nil
}

// Sum hashes r to EOF. A read failure is reported as ErrUnreadableSource
// since a partial digest would be a different key.
func Sum(r io.Reader) (Key, int64, error) {
	h := sha256.New()

	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("%w: %w", apperrors.ErrUnreadableSource, err)
	}

	return FromDigest(hex.EncodeToString(h.Sum(nil))), n, nil
}

// SumBytes hashes an in-memory buffer.
func SumBytes(data []byte) Key {
	h := sha256.Sum256(data)
	return FromDigest(hex.EncodeToString(h[:]))
}

// SumFile hashes the file at path and returns its key and size.
func SumFile(path string) (Key, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", apperrors.ErrUnreadableSource, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", apperrors.ErrUnreadableSource, err)
	}

	if info.IsDir() {
		return "", 0, fmt.Errorf("%w: %s is a directory", apperrors.ErrUnreadableSource, path)
	}

	return Sum(f)
}

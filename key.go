// Package segmentcache holds the types shared by every layer of the segment
// cache: content keys that name a slot on disk and BLAKE3 digests used to
// fingerprint cover art and published generations.
package segmentcache

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidKey is returned when a content key cannot be used as a slot name.
var ErrInvalidKey = errors.New("invalid content key")

// MaxKeyLength bounds a content key so it always fits a single path element.
const MaxKeyLength = 128

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateKey checks that key is usable as a slot directory name. Keys are
// opaque to the cache, but each maps 1:1 to a directory so separators, dot
// segments and empty strings are rejected.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// SlotKey formats a 1-based slot index the way the catalog numbers slots
// ("0001", "0002", ...).
func SlotKey(index int) string {
	return fmt.Sprintf("%04d", index)
}

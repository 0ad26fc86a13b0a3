// Package security validates externally supplied object keys before they are
// used against the store.
package security

import (
	"errors"
	"path/filepath"
	"strings"
	"unicode"
)

var (
	ErrPathTraversal = errors.New("key contains traversal sequences")
	ErrInvalidKey    = errors.New("key contains invalid characters")
	ErrAbsolutePath  = errors.New("absolute keys not allowed")
	ErrEmptyKey      = errors.New("key cannot be empty")
)

// ValidateObjectKey checks a user supplied storage key for traversal and
// smuggling attempts. Keys always come from image URLs the service itself
// issued, so anything outside the narrow allowlist is hostile.
func ValidateObjectKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if strings.ContainsRune(key, 0) {
		return ErrInvalidKey
	}

	// Check for traversal sequences before cleaning
	if strings.Contains(key, "..") {
		return ErrPathTraversal
	}

	if filepath.IsAbs(key) || strings.HasPrefix(key, "/") {
		return ErrAbsolutePath
	}

	if strings.Contains(key, "//") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}

	// Double-check after cleaning
	cleaned := filepath.Clean(key)
	if strings.Contains(cleaned, "..") {
		return ErrPathTraversal
	}

	for _, char := range key {
		if !isAllowedKeyChar(char) {
			return ErrInvalidKey
		}
	}

	return nil
}

// isAllowedKeyChar returns true for the characters the service itself puts
// into keys: folder separators, epoch prefixes, sanitized basenames, and the
// id-email folder name.
func isAllowedKeyChar(r rune) bool {
	return unicode.IsLetter(r) ||
		unicode.IsDigit(r) ||
		r == '/' || r == '-' || r == '_' || r == '.' || r == '@' || r == '+'
}

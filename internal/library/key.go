// SPDX-License-Identifier: MIT

package library

import (
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// NormalizeKey derives the natural key for an output path. The same artifact
// must always map to the same key regardless of how the path was spelled:
// relative segments are resolved, the path is made absolute, and the Unicode
// representation is fixed to NFC (macOS file APIs hand back NFD).
func NormalizeKey(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return norm.NFC.String(abs), nil
}

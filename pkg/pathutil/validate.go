// Package pathutil provides name and device path validation for replvol.
package pathutil

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/replvol/pkg/errclass"
)

// MaxNameLen bounds connection names.
const MaxNameLen = 128

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._+-]+$`)

// ValidateName checks connection name safety. Names end up in helper
// arguments and status output, so they are kept to a conservative charset.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if len(name) > MaxNameLen {
		return errclass.ErrNameInvalid.WithMessagef("name longer than %d bytes: %s", MaxNameLen, name)
	}

	if name == "." || name == ".." {
		return errclass.ErrNameInvalid.WithMessagef("name must not be %q", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}

	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._+-]+: %s", name)
	}

	return nil
}

// NormalizeName returns the canonical (NFC) form of a connection name.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// ValidateDevicePath checks that a backing or metadata device path is an
// absolute, clean path.
func ValidateDevicePath(p string) error {
	if p == "" {
		return errclass.ErrInvalidRequest.WithMessage("device path must not be empty")
	}
	if !filepath.IsAbs(p) {
		return errclass.ErrInvalidRequest.WithMessagef("device path must be absolute: %s", p)
	}
	if filepath.Clean(p) != p {
		return errclass.ErrInvalidRequest.WithMessagef("device path must be clean: %s", p)
	}
	return nil
}

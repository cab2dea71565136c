package tooldefs

import (
	"fmt"
	"regexp"
	"strings"
)

// Binary values arrive from the catalog file and from API writes and end
// up in exec.LookPath and exec.Command. The checks reject anything that
// cannot plainly name a program; paths pass through so catalogs can pin
// absolute tool locations.
var (
	binaryMetachars = regexp.MustCompile("[;&|`$<>\"'\r\n]")
	bareBinaryName  = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// validateBinary reports why value cannot be used as a tool binary.
func validateBinary(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("missing binary")
	}
	if strings.ContainsRune(trimmed, 0) {
		return fmt.Errorf("binary contains a null byte")
	}
	if binaryMetachars.MatchString(trimmed) {
		return fmt.Errorf("binary %q contains shell metacharacters", trimmed)
	}
	if looksLikePath(trimmed) {
		return nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return fmt.Errorf("binary %q starts with a dash", trimmed)
	}
	if !bareBinaryName.MatchString(trimmed) {
		return fmt.Errorf("binary %q contains invalid characters", trimmed)
	}
	return nil
}

// looksLikePath reports whether value names a filesystem location rather
// than a bare program name resolved from PATH.
func looksLikePath(value string) bool {
	return strings.HasPrefix(value, ".") ||
		strings.HasPrefix(value, "~") ||
		strings.ContainsAny(value, `/\`)
}

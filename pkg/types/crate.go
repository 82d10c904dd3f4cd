package types

import (
	"fmt"
	"regexp"
)

// crateNamePattern mirrors the registry's own validation: first char ASCII
// alphabetic, remainder ASCII alphanumeric, '-' or '_', at most 64 chars.
var crateNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// CrateName is a validated, opaque crate identifier. Construct it with
// NewCrateName; once built it is guaranteed valid for the lifetime of the
// program, so downstream code never re-validates it.
type CrateName struct {
	name string
}

// NewCrateName validates and wraps a crate name.
func NewCrateName(name string) (CrateName, error) {
	if !crateNamePattern.MatchString(name) {
		return CrateName{}, fmt.Errorf("invalid crate name %q", name)
	}
	return CrateName{name: name}, nil
}

// String returns the crate name.
func (c CrateName) String() string { return c.name }

// IsZero reports whether this is the zero-value CrateName (never validated).
func (c CrateName) IsZero() bool { return c.name == "" }

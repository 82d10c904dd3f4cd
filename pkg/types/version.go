package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/blang/semver/v4"
)

// Version is a strict SemVer triple plus pre-release and build metadata,
// wrapping blang/semver for parse/format round-tripping and ordering.
type Version struct {
	semver.Version
}

// ParseVersion parses a strict SemVer string.
func ParseVersion(s string) (Version, error) {
	v, err := semver.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("parsing version %q: %w", s, err)
	}
	return Version{Version: v}, nil
}

// Compare orders two releases; used to sort a crate's releases and to pick
// "the latest release of a crate" for the rebuild scheduler.
func (v Version) Compare(other Version) int {
	return v.Version.Compare(other.Version)
}

// Value implements driver.Valuer so a Version can be written as a plain text
// column value.
func (v Version) Value() (driver.Value, error) {
	return v.String(), nil
}

// Scan implements sql.Scanner.
func (v *Version) Scan(src interface{}) error {
	var s string
	switch t := src.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	case nil:
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Version", src)
	}
	parsed, err := ParseVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

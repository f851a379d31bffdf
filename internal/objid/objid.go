// Package objid provides the type-safe object identity used across the
// synced object store. It consolidates the root-sentinel handling and
// filesystem-safety validation so every other package can treat an ObjId
// as an opaque, already-validated value.
//
// This is a leaf package with zero external dependencies beyond stdlib.
package objid

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"errors"
	"fmt"
	"strings"
)

// RootValue is the distinguished sentinel identifying the root object.
// Unlike every other object id it is not required to be non-empty text
// supplied by a caller; it is this fixed constant.
const RootValue = "=root="

// ErrEmpty is returned by New for the empty string, which is not a valid
// non-root object id.
var ErrEmpty = errors.New("objid: object id must not be empty")

// ErrInvalidChars is returned by New when the raw id contains path
// separators or other characters unsafe to use as a folder name component.
var ErrInvalidChars = errors.New("objid: object id contains characters unsafe for a folder name")

// ID is a validated object identifier: either the root sentinel or a
// non-empty opaque string safe to use as a single filesystem path segment.
// The zero value is not a valid ID; always construct through New or Root.
type ID struct {
	value string
}

// Root returns the distinguished root object id.
func Root() ID {
	return ID{value: RootValue}
}

// New validates and wraps a raw object id. Returns ErrEmpty for the empty
// string and ErrInvalidChars if raw contains '/', '\\', or a NUL byte,
// any of which would let an object id escape its folder via path traversal.
func New(raw string) (ID, error) {
	if raw == "" {
		return ID{}, ErrEmpty
	}

	if strings.ContainsAny(raw, "/\\\x00") {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidChars, raw)
	}

	return ID{value: raw}, nil
}

// MustNew is New but panics on error. Intended for literals in tests and
// static initialization, never for caller-supplied input.
func MustNew(raw string) ID {
	id, err := New(raw)
	if err != nil {
		panic(err)
	}

	return id
}

// String returns the raw identifier value.
func (id ID) String() string {
	return id.value
}

// IsRoot reports whether id is the root sentinel.
func (id ID) IsRoot() bool {
	return id.value == RootValue
}

// IsZero reports whether id is the unconstructed zero value.
func (id ID) IsZero() bool {
	return id.value == ""
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := New(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Scan implements sql.Scanner for reading object ids out of the auxiliary
// SQLite index.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := New(v)
		if err != nil {
			return err
		}

		*id = parsed

		return nil
	case []byte:
		return id.Scan(string(v))
	case nil:
		*id = ID{}

		return nil
	default:
		return fmt.Errorf("objid.ID.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer for writing object ids into the auxiliary
// SQLite index.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}

	return id.value, nil
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
	_ driver.Valuer            = ID{}
	_ sql.Scanner              = (*ID)(nil)
)

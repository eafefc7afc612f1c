// Package gatt models GATT attribute tables: UUIDs, typed attribute values,
// the table builder and the service base that binds a table to stack handles.
package gatt

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UUIDLen is the length tag of a UUID in bytes.
type UUIDLen uint8

const (
	UUIDLen16  UUIDLen = 2
	UUIDLen32  UUIDLen = 4
	UUIDLen128 UUIDLen = 16
)

// UUID is a Bluetooth UUID tagged with its length. Bytes are kept in
// little-endian order, the order the stack and the air interface use.
type UUID struct {
	n UUIDLen
	b [16]byte
}

// Declaration and descriptor types used by every table.
var (
	UUIDPrimaryService     = UUID16(0x2800)
	UUIDCharacteristicDecl = UUID16(0x2803)
	UUIDClientCharConfig   = UUID16(0x2902)
)

// UUID16 returns a 16-bit UUID.
func UUID16(v uint16) UUID {
	u := UUID{n: UUIDLen16}
	binary.LittleEndian.PutUint16(u.b[:], v)
	return u
}

// UUID32 returns a 32-bit UUID.
func UUID32(v uint32) UUID {
	u := UUID{n: UUIDLen32}
	binary.LittleEndian.PutUint32(u.b[:], v)
	return u
}

// UUID128 returns a 128-bit UUID from little-endian bytes.
func UUID128(le [16]byte) UUID {
	return UUID{n: UUIDLen128, b: le}
}

// ParseUUID accepts "180A", "0x180A", an 8-digit 32-bit form or the
// canonical 36-character 128-bit form.
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	switch len(s) {
	case 4:
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return UUID{}, fmt.Errorf("gatt: parse uuid %q: %w", s, err)
		}
		return UUID16(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return UUID{}, fmt.Errorf("gatt: parse uuid %q: %w", s, err)
		}
		return UUID32(uint32(v)), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("gatt: parse uuid %q: %w", s, err)
	}
	var le [16]byte
	for i := range id {
		le[15-i] = id[i]
	}
	return UUID128(le), nil
}

// MustParseUUID is like ParseUUID but panics on error.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Len returns the length tag.
func (u UUID) Len() UUIDLen { return u.n }

// IsZero reports whether u was never set.
func (u UUID) IsZero() bool { return u.n == 0 }

// Is128 reports whether u is a full 128-bit UUID.
func (u UUID) Is128() bool { return u.n == UUIDLen128 }

// Bytes returns the little-endian bytes, len(Bytes()) == Len().
func (u UUID) Bytes() []byte {
	out := make([]byte, u.n)
	copy(out, u.b[:u.n])
	return out
}

// Array128 returns the little-endian 128-bit form. Shorter UUIDs are
// zero-padded.
func (u UUID) Array128() [16]byte { return u.b }

// Uint16 returns the value of a 16-bit UUID, 0 otherwise.
func (u UUID) Uint16() uint16 {
	if u.n != UUIDLen16 {
		return 0
	}
	return binary.LittleEndian.Uint16(u.b[:])
}

// Equal reports whether both UUIDs have the same length and bytes.
func (u UUID) Equal(o UUID) bool { return u == o }

func (u UUID) String() string {
	switch u.n {
	case UUIDLen16:
		return fmt.Sprintf("0x%04X", binary.LittleEndian.Uint16(u.b[:]))
	case UUIDLen32:
		return fmt.Sprintf("0x%08X", binary.LittleEndian.Uint32(u.b[:]))
	case UUIDLen128:
		var be uuid.UUID
		for i := range be {
			be[i] = u.b[15-i]
		}
		return be.String()
	}
	return "<nil>"
}

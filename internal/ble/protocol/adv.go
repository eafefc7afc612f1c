// Package protocol implements the wire formats of the hub's BLE surface:
// the raw advertising payload and notification chunking.
package protocol

import (
	"errors"
	"fmt"
)

// AD structure types used in the advertising payload.
const (
	ADTypeFlags          byte = 0x01
	ADTypeComplete128    byte = 0x07
	ADTypeShortLocalName byte = 0x08
	ADTypeCompleteName   byte = 0x09
)

// ADFlagsGeneralNoBREDR is LE General Discoverable with BR/EDR not supported.
const ADFlagsGeneralNoBREDR byte = 0x06

const (
	// MaxAdvLen is the legacy advertising payload limit.
	MaxAdvLen = 31
	// NameLen is the fixed length of the advertised name.
	NameLen = 8
	// UUIDLen is the length of the advertised service UUID.
	UUIDLen = 16
)

var (
	ErrNameLength = errors.New("protocol: advertised name must be exactly 8 characters")
	ErrUUIDLength = errors.New("protocol: advertised uuid must be 128-bit")
	ErrMalformed  = errors.New("protocol: malformed advertising payload")
)

// AdvData is the advertising payload: flags, one 128-bit service UUID and
// an 8-character name. UUID holds the bytes as stored in memory; Encode
// emits them reversed.
type AdvData struct {
	UUID [UUIDLen]byte
	Name [NameLen]byte
}

// NewAdvData validates and builds a payload.
func NewAdvData(uuid []byte, name string) (AdvData, error) {
	var a AdvData
	if err := a.SetUUID(uuid); err != nil {
		return AdvData{}, err
	}
	if err := a.SetName(name); err != nil {
		return AdvData{}, err
	}
	return a, nil
}

// SetName replaces the name. a is unchanged on error.
func (a *AdvData) SetName(name string) error {
	if len(name) != NameLen {
		return fmt.Errorf("%w: got %d", ErrNameLength, len(name))
	}
	copy(a.Name[:], name)
	return nil
}

// SetUUID replaces the service UUID. a is unchanged on error.
func (a *AdvData) SetUUID(uuid []byte) error {
	if len(uuid) != UUIDLen {
		return fmt.Errorf("%w: got %d bytes", ErrUUIDLength, len(uuid))
	}
	copy(a.UUID[:], uuid)
	return nil
}

// LocalName returns the name as a string.
func (a AdvData) LocalName() string { return string(a.Name[:]) }

// Encode returns the 31-byte payload.
//
//	[2, 0x01, 0x06] [17, 0x07, uuid reversed] [9, 0x08, name]
func (a AdvData) Encode() []byte {
	buf := make([]byte, 0, MaxAdvLen)
	buf = append(buf, 2, ADTypeFlags, ADFlagsGeneralNoBREDR)
	buf = append(buf, 1+UUIDLen, ADTypeComplete128)
	for i := UUIDLen - 1; i >= 0; i-- {
		buf = append(buf, a.UUID[i])
	}
	buf = append(buf, 1+NameLen, ADTypeShortLocalName)
	buf = append(buf, a.Name[:]...)
	return buf
}

// ADStructure is one length-type-data element of a payload.
type ADStructure struct {
	Type byte
	Data []byte
}

// ParseADStructures splits a payload into its elements. A zero length byte
// ends the payload.
func ParseADStructures(b []byte) ([]ADStructure, error) {
	if len(b) > MaxAdvLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformed, len(b), MaxAdvLen)
	}
	var out []ADStructure
	for len(b) > 0 {
		n := int(b[0])
		if n == 0 {
			break
		}
		if len(b) < 1+n {
			return nil, fmt.Errorf("%w: element length %d exceeds remaining %d bytes", ErrMalformed, n, len(b)-1)
		}
		out = append(out, ADStructure{Type: b[1], Data: append([]byte(nil), b[2:1+n]...)})
		b = b[1+n:]
	}
	return out, nil
}

// DecodeAdvData parses a payload produced by Encode. Unknown elements are
// skipped; the UUID and name elements are required.
func DecodeAdvData(b []byte) (AdvData, error) {
	elems, err := ParseADStructures(b)
	if err != nil {
		return AdvData{}, err
	}
	var a AdvData
	var gotUUID, gotName bool
	for _, e := range elems {
		switch e.Type {
		case ADTypeComplete128:
			if len(e.Data) != UUIDLen {
				return AdvData{}, fmt.Errorf("%w: uuid element has %d bytes", ErrMalformed, len(e.Data))
			}
			for i := range UUIDLen {
				a.UUID[i] = e.Data[UUIDLen-1-i]
			}
			gotUUID = true
		case ADTypeShortLocalName, ADTypeCompleteName:
			if err := a.SetName(string(e.Data)); err != nil {
				return AdvData{}, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			gotName = true
		}
	}
	if !gotUUID || !gotName {
		return AdvData{}, fmt.Errorf("%w: missing uuid or name", ErrMalformed)
	}
	return a, nil
}

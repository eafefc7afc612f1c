package protocol

import (
	"bytes"
	"errors"
	"testing"
)

var testUUID = []byte{
	0xC8, 0x37, 0x80, 0x1F, 0x83, 0x29, 0x46, 0x58,
	0xB6, 0x11, 0x9F, 0x53, 0x7F, 0x73, 0xE8, 0x20,
}

func TestAdvDataEncode(t *testing.T) {
	a, err := NewAdvData(testUUID, "GGABCDEF")
	if err != nil {
		t.Fatalf("NewAdvData() error = %v", err)
	}
	got := a.Encode()
	if len(got) != MaxAdvLen {
		t.Fatalf("len(Encode()) = %d, want %d", len(got), MaxAdvLen)
	}
	want := []byte{
		0x02, 0x01, 0x06,
		0x11, 0x07,
		0x20, 0xE8, 0x73, 0x7F, 0x53, 0x9F, 0x11, 0xB6,
		0x58, 0x46, 0x29, 0x83, 0x1F, 0x80, 0x37, 0xC8,
		0x09, 0x08, 'G', 'G', 'A', 'B', 'C', 'D', 'E', 'F',
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() =\n% X\nwant\n% X", got, want)
	}
}

func TestAdvDataRoundTrip(t *testing.T) {
	a, _ := NewAdvData(testUUID, "GG000001")
	b, err := DecodeAdvData(a.Encode())
	if err != nil {
		t.Fatalf("DecodeAdvData() error = %v", err)
	}
	if b != a {
		t.Errorf("DecodeAdvData() = %+v, want %+v", b, a)
	}
	if b.LocalName() != "GG000001" {
		t.Errorf("LocalName() = %q", b.LocalName())
	}
}

func TestAdvDataSetNameRejectsLength(t *testing.T) {
	a, _ := NewAdvData(testUUID, "GGABCDEF")
	before := a.Encode()
	for _, name := range []string{"", "GG", "GGABCDEFG"} {
		if err := a.SetName(name); !errors.Is(err, ErrNameLength) {
			t.Errorf("SetName(%q) error = %v, want ErrNameLength", name, err)
		}
	}
	if !bytes.Equal(a.Encode(), before) {
		t.Error("rejected SetName modified the payload")
	}
}

func TestAdvDataSetUUIDRejectsLength(t *testing.T) {
	a, _ := NewAdvData(testUUID, "GGABCDEF")
	if err := a.SetUUID([]byte{0x0A, 0x18}); !errors.Is(err, ErrUUIDLength) {
		t.Errorf("SetUUID(16-bit) error = %v, want ErrUUIDLength", err)
	}
	if !bytes.Equal(a.UUID[:], testUUID) {
		t.Error("rejected SetUUID modified the payload")
	}
}

func TestDecodeAdvDataMalformed(t *testing.T) {
	good, _ := NewAdvData(testUUID, "GGABCDEF")
	enc := good.Encode()
	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"truncated", enc[:10]},
		{"too long", append(append([]byte(nil), enc...), 0x00)},
		{"flags only", enc[:3]},
		{"bad name length", append(append([]byte(nil), enc[:21]...), 0x04, 0x08, 'G', 'G', 'A')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeAdvData(tt.in); !errors.Is(err, ErrMalformed) {
				t.Errorf("DecodeAdvData() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParseADStructuresStopsAtZero(t *testing.T) {
	elems, err := ParseADStructures([]byte{0x02, 0x01, 0x06, 0x00, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("ParseADStructures() error = %v", err)
	}
	if len(elems) != 1 || elems[0].Type != ADTypeFlags {
		t.Errorf("ParseADStructures() = %+v", elems)
	}
}

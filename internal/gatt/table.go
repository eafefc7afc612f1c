package gatt

import (
	"bytes"
	"errors"
	"fmt"
)

// Prop is the property byte carried by a characteristic declaration.
type Prop uint8

const (
	PropBroadcast   Prop = 0x01
	PropRead        Prop = 0x02
	PropWriteNoResp Prop = 0x04
	PropWrite       Prop = 0x08
	PropNotify      Prop = 0x10
	PropIndicate    Prop = 0x20
)

// Perm is the access permission of a single attribute row.
type Perm uint8

const (
	PermRead  Perm = 0x01
	PermWrite Perm = 0x02
)

// Kind selects how a characteristic is laid out in the table.
type Kind uint8

const (
	KindRead Kind = iota
	KindReadWrite
	KindNotify
)

// Properties returns the declaration property byte for k.
func (k Kind) Properties() Prop {
	switch k {
	case KindReadWrite:
		return PropRead | PropWriteNoResp
	case KindNotify:
		return PropRead | PropNotify
	}
	return PropRead
}

// Rows returns how many table rows a characteristic of kind k takes.
func (k Kind) Rows() int {
	if k == KindNotify {
		return 3
	}
	return 2
}

// CCCLen is the length of a client characteristic configuration value.
const CCCLen = 2

// Descriptor is one row of an attribute table.
type Descriptor struct {
	UUID   UUID
	Perm   Perm
	MaxLen uint16
	Value  []byte
}

// Len returns the current value length.
func (d Descriptor) Len() uint16 { return uint16(len(d.Value)) }

// CharSpec describes one characteristic to the builder.
type CharSpec struct {
	Name string
	UUID UUID
	Kind Kind
	// Perm defaults to read, or read|write for KindReadWrite.
	Perm Perm
	// MaxLen defaults to the initial value length.
	MaxLen int
	Value  *Value
}

// Table is a built attribute table: an ordered slice of descriptors plus a
// name to row index map. Its size never changes after Build.
type Table struct {
	service UUID
	rows    []Descriptor
	index   map[string]int
	ccc     map[string]int
	names   []string
	plain   int
	notify  int
}

// Size returns the expected row count for p plain and n notifiable
// characteristics.
func Size(plain, notify int) int { return 1 + 2*plain + 3*notify }

// Service returns the service UUID.
func (t *Table) Service() UUID { return t.service }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Row returns a copy of row i.
func (t *Table) Row(i int) Descriptor {
	d := t.rows[i]
	d.Value = bytes.Clone(d.Value)
	return d
}

// Rows returns a copy of all rows.
func (t *Table) Rows() []Descriptor {
	out := make([]Descriptor, len(t.rows))
	for i := range t.rows {
		out[i] = t.Row(i)
	}
	return out
}

// Index returns the row of the value attribute of characteristic name.
func (t *Table) Index(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// MustIndex is like Index but panics when name is unknown.
func (t *Table) MustIndex(name string) int {
	i, ok := t.index[name]
	if !ok {
		panic(fmt.Sprintf("gatt: no characteristic %q in table %s", name, t.service))
	}
	return i
}

// CCCIndex returns the row of the CCC descriptor of a notifiable
// characteristic.
func (t *Table) CCCIndex(name string) (int, bool) {
	i, ok := t.ccc[name]
	return i, ok
}

// Names returns characteristic names in table order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Counts returns the number of plain and notifiable characteristics.
func (t *Table) Counts() (plain, notify int) { return t.plain, t.notify }

// Builder assembles a Table. Characteristics appear in the order they are
// added. The first error sticks and is returned by Build.
type Builder struct {
	service UUID
	specs   []CharSpec
	err     error
}

// NewBuilder starts a table for the given primary service.
func NewBuilder(service UUID) *Builder {
	return &Builder{service: service}
}

// Read adds a read-only characteristic.
func (b *Builder) Read(name string, uuid UUID, v *Value) *Builder {
	return b.Characteristic(CharSpec{Name: name, UUID: uuid, Kind: KindRead, Value: v})
}

// ReadWrite adds a readable, writable characteristic.
func (b *Builder) ReadWrite(name string, uuid UUID, v *Value, maxLen int) *Builder {
	return b.Characteristic(CharSpec{Name: name, UUID: uuid, Kind: KindReadWrite, Value: v, MaxLen: maxLen})
}

// Notify adds a readable characteristic with a CCC descriptor.
func (b *Builder) Notify(name string, uuid UUID, v *Value, maxLen int) *Builder {
	return b.Characteristic(CharSpec{Name: name, UUID: uuid, Kind: KindNotify, Value: v, MaxLen: maxLen})
}

// Characteristic adds spec as is.
func (b *Builder) Characteristic(spec CharSpec) *Builder {
	if b.err != nil {
		return b
	}
	switch {
	case spec.Name == "":
		b.err = errors.New("gatt: characteristic without a name")
	case spec.UUID.IsZero():
		b.err = fmt.Errorf("gatt: characteristic %q has no uuid", spec.Name)
	case spec.Value == nil:
		b.err = fmt.Errorf("gatt: characteristic %q: %w", spec.Name, ErrEmptyValue)
	case spec.MaxLen != 0 && spec.MaxLen < spec.Value.Len():
		b.err = fmt.Errorf("gatt: characteristic %q: value length %d exceeds max %d",
			spec.Name, spec.Value.Len(), spec.MaxLen)
	}
	for _, s := range b.specs {
		if s.Name == spec.Name {
			b.err = fmt.Errorf("gatt: duplicate characteristic %q", spec.Name)
		}
	}
	if b.err == nil {
		b.specs = append(b.specs, spec)
	}
	return b
}

// Build lays the table out.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.service.IsZero() {
		return nil, errors.New("gatt: table without a service uuid")
	}

	t := &Table{
		service: b.service,
		index:   make(map[string]int, len(b.specs)),
		ccc:     make(map[string]int),
	}
	svc := b.service.Bytes()
	t.rows = append(t.rows, Descriptor{
		UUID:   UUIDPrimaryService,
		Perm:   PermRead,
		MaxLen: uint16(len(svc)),
		Value:  svc,
	})

	for _, s := range b.specs {
		t.rows = append(t.rows, Descriptor{
			UUID:   UUIDCharacteristicDecl,
			Perm:   PermRead,
			MaxLen: 1,
			Value:  []byte{byte(s.Kind.Properties())},
		})

		perm := s.Perm
		if perm == 0 {
			perm = PermRead
			if s.Kind == KindReadWrite {
				perm |= PermWrite
			}
		}
		maxLen := s.MaxLen
		if maxLen == 0 {
			maxLen = s.Value.Len()
		}
		t.index[s.Name] = len(t.rows)
		t.names = append(t.names, s.Name)
		t.rows = append(t.rows, Descriptor{
			UUID:   s.UUID,
			Perm:   perm,
			MaxLen: uint16(maxLen),
			Value:  s.Value.Bytes(),
		})

		if s.Kind == KindNotify {
			t.ccc[s.Name] = len(t.rows)
			t.rows = append(t.rows, Descriptor{
				UUID:   UUIDClientCharConfig,
				Perm:   PermRead | PermWrite,
				MaxLen: CCCLen,
				Value:  []byte{0x00, 0x00},
			})
			t.notify++
		} else {
			t.plain++
		}
	}
	return t, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Table {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

// CCC bits of the client characteristic configuration value.
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// NotifyEnabled reports whether a CCC value enables notifications.
func NotifyEnabled(ccc []byte) bool {
	return len(ccc) >= 1 && uint16(ccc[0])&CCCNotify != 0
}

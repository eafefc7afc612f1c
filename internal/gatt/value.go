package gatt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrEmptyValue is returned when a value would occupy zero bytes.
	ErrEmptyValue = errors.New("gatt: attribute value has zero length")
	// ErrTypeMismatch is returned by As when the requested type differs
	// from the type the value was created with.
	ErrTypeMismatch = errors.New("gatt: attribute value type mismatch")
)

// Value is an owned byte buffer holding an attribute's initial or current
// value, tagged with the Go type it was built from.
type Value struct {
	buf []byte
	typ reflect.Type
}

// NewValue copies v into a new Value. Fixed-size values (numbers, arrays,
// structs of those and slices of those) are copied in native byte order;
// strings and byte slices are copied one byte per element.
func NewValue[T any](v T) (*Value, error) {
	var buf []byte
	switch x := any(v).(type) {
	case string:
		buf = []byte(x)
	case []byte:
		buf = bytes.Clone(x)
	default:
		n := binary.Size(v)
		if n < 0 {
			return nil, fmt.Errorf("gatt: unsupported value type %T", v)
		}
		var err error
		buf, err = binary.Append(make([]byte, 0, n), binary.NativeEndian, v)
		if err != nil {
			return nil, fmt.Errorf("gatt: encode %T: %w", v, err)
		}
	}
	if len(buf) == 0 {
		return nil, ErrEmptyValue
	}
	return &Value{buf: buf, typ: reflect.TypeFor[T]()}, nil
}

// MustValue is like NewValue but panics on error. Use it for table
// literals whose contents are fixed at compile time.
func MustValue[T any](v T) *Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// NewBuffer returns a zero-filled value of n bytes.
func NewBuffer(n int) (*Value, error) {
	if n <= 0 {
		return nil, ErrEmptyValue
	}
	return &Value{buf: make([]byte, n), typ: reflect.TypeFor[[]byte]()}, nil
}

// Bytes returns a copy of the value bytes.
func (v *Value) Bytes() []byte { return bytes.Clone(v.buf) }

// Len returns the value length in bytes.
func (v *Value) Len() int { return len(v.buf) }

// Type returns the type tag.
func (v *Value) Type() reflect.Type { return v.typ }

// As decodes the value as T. T must be the type the value was created with.
func As[T any](v *Value) (T, error) {
	var out T
	if v == nil || v.typ != reflect.TypeFor[T]() {
		return out, ErrTypeMismatch
	}
	switch p := any(&out).(type) {
	case *string:
		*p = string(v.buf)
		return out, nil
	case *[]byte:
		*p = bytes.Clone(v.buf)
		return out, nil
	}
	rv := reflect.ValueOf(&out).Elem()
	if rv.Kind() == reflect.Slice {
		size := binary.Size(reflect.Zero(rv.Type().Elem()).Interface())
		if size <= 0 {
			return out, fmt.Errorf("gatt: decode %T: unsupported element", out)
		}
		rv.Set(reflect.MakeSlice(rv.Type(), len(v.buf)/size, len(v.buf)/size))
	}
	if _, err := binary.Decode(v.buf, binary.NativeEndian, &out); err != nil {
		return out, fmt.Errorf("gatt: decode %T: %w", out, err)
	}
	return out, nil
}

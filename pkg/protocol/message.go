package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// Type is the one-byte message type code
type Type uint8

// Message type codes
const (
	TypeEmpty      Type = 0x00
	TypeOkay       Type = 0x06 // ACK
	TypeDisconnect Type = 0x1B // ESC
	TypePing       Type = 0x3C // <
	TypePong       Type = 0x3E // >
	TypeError      Type = 0x3F // ?
	TypeLogin      Type = 0x4C // L
	TypeRegister   Type = 0x52 // R
)

// Known reports whether t is a type code this package understands
func (t Type) Known() bool {
	switch t {
	case TypeEmpty, TypeOkay, TypeDisconnect, TypePing, TypePong, TypeError, TypeLogin, TypeRegister:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypeEmpty:
		return "EMPTY"
	case TypeOkay:
		return "OKAY"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeError:
		return "ERROR"
	case TypeLogin:
		return "LOGIN"
	case TypeRegister:
		return "REGISTER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// ParseType maps a wire code to a Type, rejecting codes outside the known set
func ParseType(code byte) (Type, error) {
	t := Type(code)
	if !t.Known() {
		return 0, &UnknownTypeError{Code: code}
	}
	return t, nil
}

// Message is one decoded protocol unit: a type plus ordered opaque fields.
// A Message is immutable once built; accessors hand out copies.
type Message struct {
	typ    Type
	fields [][]byte
}

// NewMessage builds a message of type t with the given fields
func NewMessage(t Type, fields ...[]byte) *Message {
	return NewBuilder().WithType(t).WithFields(fields...).Build()
}

// Type returns the message type
func (m *Message) Type() Type {
	return m.typ
}

// FieldCount returns the number of fields
func (m *Message) FieldCount() int {
	return len(m.fields)
}

// Field returns a copy of field i
func (m *Message) Field(i int) ([]byte, bool) {
	if i < 0 || i >= len(m.fields) {
		return nil, false
	}
	return bytes.Clone(m.fields[i]), true
}

// Fields returns a copy of every field in order
func (m *Message) Fields() [][]byte {
	out := make([][]byte, len(m.fields))
	for i, f := range m.fields {
		out[i] = bytes.Clone(f)
	}
	return out
}

// Equal reports structural equality. Nil and empty fields compare equal.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.typ != other.typ || len(m.fields) != len(other.fields) {
		return false
	}
	for i := range m.fields {
		if !bytes.Equal(m.fields[i], other.fields[i]) {
			return false
		}
	}
	return true
}

func (m *Message) String() string {
	var sb strings.Builder
	sb.WriteString(m.typ.String())
	sb.WriteString("[")
	for i, f := range m.fields {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%d:%q", len(f), f)
	}
	sb.WriteString("]")
	return sb.String()
}

// Builder assembles a Message. The zero type is TypeEmpty.
type Builder struct {
	typ    Type
	fields [][]byte
}

// NewBuilder returns an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// WithType sets the message type
func (b *Builder) WithType(t Type) *Builder {
	b.typ = t
	return b
}

// WithField appends one field
func (b *Builder) WithField(data []byte) *Builder {
	b.fields = append(b.fields, bytes.Clone(data))
	return b
}

// WithString appends one field holding s
func (b *Builder) WithString(s string) *Builder {
	return b.WithField([]byte(s))
}

// WithFields appends fields in order
func (b *Builder) WithFields(fields ...[]byte) *Builder {
	for _, f := range fields {
		b.WithField(f)
	}
	return b
}

// Build returns the message. The builder may keep being used afterwards
// without affecting messages it already produced.
func (b *Builder) Build() *Message {
	fields := make([][]byte, len(b.fields))
	for i, f := range b.fields {
		fields[i] = bytes.Clone(f)
		if fields[i] == nil {
			fields[i] = []byte{}
		}
	}
	return &Message{typ: b.typ, fields: fields}
}

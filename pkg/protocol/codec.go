package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
)

const (
	// HeaderSize is the length of the magic header
	HeaderSize = 4

	// DefaultMaxFields is the default cap on a message's declared field count
	DefaultMaxFields = 64

	// DefaultMaxFieldLength is the default cap on one field (1 MB)
	DefaultMaxFieldLength = 1024 * 1024

	// fields above this size are read incrementally so a lying length prefix
	// cannot allocate memory ahead of the bytes actually arriving
	eagerFieldLength = 64 * 1024
)

// Header is the magic constant that opens every message ("#<!>")
var Header = [HeaderSize]byte{0x23, 0x3C, 0x21, 0x3E}

// Encode writes m to w.
// Format: [Header (4)][Type (1)][FieldCount (uint32 LE)]{[Length (uint32 LE)][Data (N)]}*
// The whole message goes out in a single Write call.
func Encode(w io.Writer, m *Message) error {
	if _, err := w.Write(Marshal(m)); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// Marshal returns the wire encoding of m
func Marshal(m *Message) []byte {
	size := HeaderSize + 1 + 4
	for _, f := range m.fields {
		size += 4 + len(f)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, Header[:]...)
	buf = append(buf, byte(m.typ))
	buf = appendUint32LE(buf, uint32(len(m.fields)))
	for _, f := range m.fields {
		buf = appendUint32LE(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// Decoder decodes messages with optional limits. A zero limit means unlimited.
type Decoder struct {
	MaxFields      uint32
	MaxFieldLength uint32
}

// DefaultDecoder applies DefaultMaxFields and DefaultMaxFieldLength
var DefaultDecoder = Decoder{
	MaxFields:      DefaultMaxFields,
	MaxFieldLength: DefaultMaxFieldLength,
}

// Decode reads one message from r using DefaultDecoder. Encode accepts any
// message, but Decode only returns those within DefaultMaxFields fields of at
// most DefaultMaxFieldLength bytes each; larger ones fail with a LimitError.
// Use a zero Decoder to round-trip messages of any size.
func Decode(r io.Reader) (*Message, error) {
	return DefaultDecoder.Decode(r)
}

// Unmarshal decodes one message from data with the same limits as Decode
func Unmarshal(data []byte) (*Message, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads exactly one message from r
func (d Decoder) Decode(r io.Reader) (*Message, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, &ReadError{Stage: "header", Err: err}
	}
	if !bytes.Equal(head, Header[:]) {
		return nil, &InvalidHeaderError{Header: head}
	}

	code, err := ReadUint8(r)
	if err != nil {
		return nil, &ReadError{Stage: "type", Err: err}
	}
	t, err := ParseType(code)
	if err != nil {
		return nil, err
	}

	count, err := ReadUint32LE(r)
	if err != nil {
		return nil, &ReadError{Stage: "field count", Err: err}
	}
	if d.MaxFields > 0 && count > d.MaxFields {
		return nil, &LimitError{What: "field count", Value: count, Max: d.MaxFields}
	}

	b := NewBuilder().WithType(t)
	for i := uint32(0); i < count; i++ {
		length, err := ReadUint32LE(r)
		if err != nil {
			return nil, &ReadError{Stage: "field length", Err: err}
		}
		if d.MaxFieldLength > 0 && length > d.MaxFieldLength {
			return nil, &LimitError{What: "field length", Value: length, Max: d.MaxFieldLength}
		}

		data, err := readField(r, length)
		if err != nil {
			return nil, &ReadError{Stage: "field data", Err: err}
		}
		b.fields = append(b.fields, data)
	}

	return b.Build(), nil
}

func readField(r io.Reader, n uint32) ([]byte, error) {
	if n <= eagerFieldLength {
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, r, int64(n))
	if err != nil {
		if errors.Is(err, io.EOF) && copied > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// Readiness is the result of probing a stream for the next message
type Readiness int

const (
	// ReadinessNotReady means no complete header has arrived yet
	ReadinessNotReady Readiness = iota
	// ReadinessReady means the magic header is buffered and a decode can start
	ReadinessReady
	// ReadinessMismatch means four bytes are buffered but they are not the header
	ReadinessMismatch
	// ReadinessTransportError means the stream failed or reached EOF
	ReadinessTransportError
)

func (r Readiness) String() string {
	switch r {
	case ReadinessNotReady:
		return "not_ready"
	case ReadinessReady:
		return "ready"
	case ReadinessMismatch:
		return "mismatch"
	case ReadinessTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// PeekHeader checks, without consuming anything, whether the next bytes on br
// are the magic header. A read that times out (deadline exceeded) is reported
// as ReadinessNotReady; any other failure is ReadinessTransportError together
// with the underlying error.
func PeekHeader(br *bufio.Reader) (Readiness, error) {
	head, err := br.Peek(HeaderSize)
	if len(head) == HeaderSize {
		if bytes.Equal(head, Header[:]) {
			return ReadinessReady, nil
		}
		return ReadinessMismatch, nil
	}
	if err == nil || IsTimeout(err) {
		return ReadinessNotReady, nil
	}
	return ReadinessTransportError, err
}

// IsTimeout reports whether err is a deadline expiry rather than a real failure
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage matches every decode failure caused by the bytes on the
// wire rather than by the transport
var ErrInvalidMessage = errors.New("invalid message")

// InvalidHeaderError is returned when the first four bytes are not the magic header
type InvalidHeaderError struct {
	Header []byte
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid message header: % x", e.Header)
}

func (e *InvalidHeaderError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// UnknownTypeError is returned for a type code outside the known set
type UnknownTypeError struct {
	Code byte
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type code 0x%02X", e.Code)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// LimitError is returned when a declared field count or field length exceeds
// the decoder's configured limit
type LimitError struct {
	What  string
	Value uint32
	Max   uint32
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %d exceeds limit %d", e.What, e.Value, e.Max)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// ReadError wraps an I/O failure (including a short read) during decoding
type ReadError struct {
	Stage string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %s from stream: %v", e.Stage, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// WriteError wraps an I/O failure while writing an encoded message
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write to stream: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// DecodeErrorKind classifies a decode error for logging and metrics
func DecodeErrorKind(err error) string {
	var (
		headerErr *InvalidHeaderError
		typeErr   *UnknownTypeError
		limitErr  *LimitError
		readErr   *ReadError
	)
	switch {
	case errors.As(err, &headerErr):
		return "invalid_header"
	case errors.As(err, &typeErr):
		return "unknown_type"
	case errors.As(err, &limitErr):
		return "limit"
	case errors.As(err, &readErr):
		return "read"
	default:
		return "other"
	}
}

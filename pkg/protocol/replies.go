package protocol

import (
	"encoding/binary"
	"fmt"
)

// ErrorCode is the reason carried in field 0 of an Error reply
type ErrorCode uint16

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat ErrorCode = 1000

	// Authentication errors (2xxx)
	ErrCodeAlreadyAuthenticated ErrorCode = 2001
	ErrCodeUsernameTaken        ErrorCode = 2002
	ErrCodeUnknownUser          ErrorCode = 2003

	// Validation errors (6xxx)
	ErrCodeInvalidUsername ErrorCode = 6003

	// Server errors (9xxx)
	ErrCodeInternalError ErrorCode = 9000
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeInvalidFormat:
		return "invalid_format"
	case ErrCodeAlreadyAuthenticated:
		return "already_authenticated"
	case ErrCodeUsernameTaken:
		return "username_taken"
	case ErrCodeUnknownUser:
		return "unknown_user"
	case ErrCodeInvalidUsername:
		return "invalid_username"
	case ErrCodeInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("code_%d", uint16(c))
	}
}

// Canned control messages
var (
	PingMessage       = NewMessage(TypePing)
	PongMessage       = NewMessage(TypePong)
	DisconnectMessage = NewMessage(TypeDisconnect)
)

// NewErrorReply builds an Error message: field 0 is the code (uint16 LE),
// field 1 the reason text
func NewErrorReply(code ErrorCode, reason string) *Message {
	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, uint16(code))
	return NewBuilder().WithType(TypeError).WithField(raw).WithString(reason).Build()
}

// ParseErrorReply extracts the code and reason from an Error message
func ParseErrorReply(m *Message) (ErrorCode, string, error) {
	if m.Type() != TypeError {
		return 0, "", fmt.Errorf("expected %s, got %s", TypeError, m.Type())
	}
	raw, ok := m.Field(0)
	if !ok || len(raw) != 2 {
		return 0, "", fmt.Errorf("error reply has no valid code field")
	}
	code := ErrorCode(binary.LittleEndian.Uint16(raw))

	reason := ""
	if text, ok := m.Field(1); ok {
		reason = string(text)
	}
	return code, reason, nil
}

// NewRegister builds a Register request for username
func NewRegister(username string) *Message {
	return NewBuilder().WithType(TypeRegister).WithString(username).Build()
}

// NewLogin builds a Login request for username
func NewLogin(username string) *Message {
	return NewBuilder().WithType(TypeLogin).WithString(username).Build()
}

// NewOkay builds an Okay reply carrying the given text fields
func NewOkay(fields ...string) *Message {
	b := NewBuilder().WithType(TypeOkay)
	for _, f := range fields {
		b.WithString(f)
	}
	return b.Build()
}

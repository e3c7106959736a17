package server

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// UsernameValidator decides whether the raw bytes of a Register/Login field
// are an acceptable username
type UsernameValidator func(username []byte) bool

// Username policies selectable from config
const (
	PolicyAny    = "any"
	PolicyStrict = "strict"
)

var strictUsernameRegex = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// AnyUsername accepts any non-empty, valid UTF-8 name
func AnyUsername(username []byte) bool {
	return len(username) > 0 && utf8.Valid(username)
}

// StrictUsername accepts ASCII letters, digits and underscores, up to max
// bytes (0 means no length limit)
func StrictUsername(max int) UsernameValidator {
	return func(username []byte) bool {
		if len(username) == 0 || (max > 0 && len(username) > max) {
			return false
		}
		return strictUsernameRegex.Match(username)
	}
}

// ValidatorForPolicy maps a config policy name to a validator
func ValidatorForPolicy(policy string, maxLength int) (UsernameValidator, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", PolicyAny:
		return AnyUsername, nil
	case PolicyStrict:
		return StrictUsername(maxLength), nil
	default:
		return nil, fmt.Errorf("unknown username policy %q (want %s or %s)", policy, PolicyAny, PolicyStrict)
	}
}

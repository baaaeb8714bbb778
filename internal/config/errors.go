package config

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKey is returned when a key is not part of the schema.
	ErrUnknownKey = errors.New("unknown config key")
	// ErrValidation is returned when a value does not match its declared type
	// or a document cannot be parsed.
	ErrValidation = errors.New("invalid config value")
)

// UnknownKeyError reports an unrecognized key.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown config key %q", e.Key)
}

// Is matches ErrUnknownKey.
func (e *UnknownKeyError) Is(target error) bool {
	return target == ErrUnknownKey
}

// ValidationError reports a value whose type does not match the key's
// declared kind. Key is empty when the whole document is malformed.
type ValidationError struct {
	Key  string
	Want Kind
	Got  string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid config document: %v", e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid value for %q (want %s): %v", e.Key, e.Want, e.Err)
	}
	return fmt.Sprintf("invalid value for %q: want %s, got %s", e.Key, e.Want, e.Got)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

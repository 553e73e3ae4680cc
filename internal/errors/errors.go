// Package errors provides a structured, kind-tagged error type used across
// every wardennet subsystem so callers can pattern-match on failure class
// instead of parsing message strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error represents a structured error in the wardennet system.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a
// formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it
// is wrapped as KindInternal first.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// HasAttr reports whether err carries the given boolean attribute set true.
func HasAttr(err error, key string) bool {
	v, ok := GetAttributes(err)[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a
// wardennet error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error
	cur := err
	for cur != nil {
		if errors.As(cur, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			cur = e.Underlying
		} else {
			break
		}
	}
	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the result of calling Unwrap on err, if it has one.
func Unwrap(err error) error { return errors.Unwrap(err) }

package source

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a missing or invalid option. Raised before any I/O.
	ErrConfiguration = errors.New("configuration error")

	// ErrResourceNotFound marks a named remote resource that does not exist.
	ErrResourceNotFound = errors.New("resource not found")
)

// ConfigError describes a rejected configuration field.
type ConfigError struct {
	Source string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func configErr(source, field, format string, args ...any) error {
	return &ConfigError{Source: source, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ResourceNotFoundError is returned at startup when the remote resource a source
// reads from does not exist. It is never retried.
type ResourceNotFoundError struct {
	Kind string
	Name string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("%s %s does not exist", e.Kind, e.Name)
}

func (e *ResourceNotFoundError) Is(target error) bool { return target == ErrResourceNotFound }

// IsPermanent reports whether err can never succeed on restart.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrResourceNotFound)
}

// ErrorKind classifies a terminal source error for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrResourceNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "io"
	}
}

// Package domain provides canonical error types for the converter.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of a conversion error.
type Kind string

const (
	// KindDownload indicates the remote manifest could not be fetched
	// and no cache fallback was available.
	KindDownload Kind = "download"

	// KindCacheCorrupt indicates a cache entry existed but could not be
	// interpreted. There is no further fallback behind the cache.
	KindCacheCorrupt Kind = "cache_corrupt"

	// KindManifestParse indicates the fetched body is not a parseable
	// manifest document.
	KindManifestParse Kind = "manifest_parse"

	// KindShape indicates the manifest is not a structured mapping.
	KindShape Kind = "shape"

	// KindValidation indicates a structural invariant was violated.
	KindValidation Kind = "validation"

	// KindMissingEntryPoint indicates the routine source declares no
	// main entry point.
	KindMissingEntryPoint Kind = "missing_entry_point"

	// KindSyntax indicates the routine source is malformed.
	KindSyntax Kind = "syntax"

	// KindUndefinedReference indicates the routine references an
	// unknown name.
	KindUndefinedReference Kind = "undefined_reference"

	// KindNotCallable indicates the routine's entry point is not a
	// function or the routine invoked a non-function.
	KindNotCallable Kind = "not_callable"

	// KindTimeout indicates the routine exceeded its wall-clock budget.
	KindTimeout Kind = "timeout"

	// KindInvalidReturn indicates the routine returned something other
	// than a structured mapping.
	KindInvalidReturn Kind = "invalid_return"

	// KindScriptRuntime indicates any other failure raised while the
	// routine was running.
	KindScriptRuntime Kind = "script_runtime"
)

// ConvertError is the canonical error surfaced by every pipeline step.
// It carries the failure category plus the identifying context (URL,
// file path, or routine name) of the operation that failed.
type ConvertError struct {
	// Kind is the category of error.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Field is the offending manifest field for validation errors.
	Field string

	// Source identifies what was being converted (URL or file path).
	Source string

	// Err is the root cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ConvertError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Source != "" {
		msg += fmt.Sprintf(" [%s]", e.Source)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the root cause to errors.Is/errors.As.
func (e *ConvertError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *ConvertError) HTTPStatusCode() int {
	switch e.Kind {
	case KindDownload:
		return http.StatusBadGateway
	case KindCacheCorrupt:
		return http.StatusInternalServerError
	case KindManifestParse, KindShape, KindValidation, KindInvalidReturn:
		return http.StatusBadRequest
	case KindMissingEntryPoint, KindSyntax, KindUndefinedReference, KindNotCallable, KindScriptRuntime:
		return http.StatusInternalServerError
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new conversion error.
func NewError(kind Kind, message string) *ConvertError {
	return &ConvertError{
		Kind:    kind,
		Message: message,
	}
}

// WithField records the offending manifest field.
func (e *ConvertError) WithField(field string) *ConvertError {
	e.Field = field
	return e
}

// WithSource records the URL or file path being converted.
func (e *ConvertError) WithSource(source string) *ConvertError {
	e.Source = source
	return e
}

// WithCause attaches the root cause.
func (e *ConvertError) WithCause(err error) *ConvertError {
	e.Err = err
	return e
}

// KindOf returns the Kind of err, or the empty Kind when err is not a
// ConvertError.
func KindOf(err error) Kind {
	var ce *ConvertError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err is a ConvertError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Convenience constructors for common errors

// ErrDownload creates a download error for the given source URL.
func ErrDownload(url string, cause error) *ConvertError {
	return NewError(KindDownload, "failed to download manifest").
		WithSource(url).
		WithCause(cause)
}

// ErrCacheCorrupt creates a cache corruption error.
func ErrCacheCorrupt(message string, cause error) *ConvertError {
	return NewError(KindCacheCorrupt, message).WithCause(cause)
}

// ErrManifestParse creates a manifest parse error.
func ErrManifestParse(cause error) *ConvertError {
	return NewError(KindManifestParse, "failed to parse manifest").WithCause(cause)
}

// ErrShape creates a shape error.
func ErrShape(message string) *ConvertError {
	return NewError(KindShape, message)
}

// ErrValidation creates a validation error naming the offending field.
func ErrValidation(field, message string) *ConvertError {
	return NewError(KindValidation, message).WithField(field)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *ConvertError {
	return NewError(KindTimeout, message)
}

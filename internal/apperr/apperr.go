package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a failure for retry and reporting decisions.
type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryConfiguration Category = "configuration"
	CategorySigning       Category = "signing"
	CategoryArchive       Category = "archive"
	CategoryImage         Category = "image"
	CategoryPlatform      Category = "platform"
	CategoryInternal      Category = "internal"
)

// Error is the typed error carried across builders, the dispatcher and HTTP handlers.
type Error struct {
	Category Category
	Platform string
	Op       string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Platform != "" {
		msg = e.Platform + " " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher may try the same work again.
// Bad input and bad credentials stay bad until a human intervenes.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryValidation, CategoryConfiguration:
		return false
	default:
		return true
	}
}

// WithPlatform returns a copy tagged with the platform that produced it.
func (e *Error) WithPlatform(platform string) *Error {
	cp := *e
	cp.Platform = platform
	return &cp
}

func newError(c Category, op, msg string, err error) *Error {
	return &Error{Category: c, Op: op, Message: msg, Err: err}
}

func Validation(op, msg string) *Error { return newError(CategoryValidation, op, msg, nil) }

func Configuration(op, msg string) *Error { return newError(CategoryConfiguration, op, msg, nil) }

func Signing(op, msg string, err error) *Error { return newError(CategorySigning, op, msg, err) }

func Archive(op, msg string, err error) *Error { return newError(CategoryArchive, op, msg, err) }

func Image(op, msg string, err error) *Error { return newError(CategoryImage, op, msg, err) }

func Platform(op, msg string, err error) *Error { return newError(CategoryPlatform, op, msg, err) }

func Internal(op, msg string, err error) *Error { return newError(CategoryInternal, op, msg, err) }

// As extracts the typed error from a chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CategoryOf returns the category of err, or internal for untyped errors.
func CategoryOf(err error) Category {
	if e, ok := As(err); ok {
		return e.Category
	}
	return CategoryInternal
}

// IsRetryable treats untyped errors as transient.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return err != nil
}

// PublicError is the client-safe rendering of an error.
type PublicError struct {
	Category  Category `json:"category"`
	Platform  string   `json:"platform,omitempty"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable"`
}

// Public never includes the wrapped cause: causes may quote key material or driver internals.
func Public(err error) PublicError {
	e, ok := As(err)
	if !ok {
		return PublicError{Category: CategoryInternal, Message: "internal error", Retryable: true}
	}
	return PublicError{
		Category:  e.Category,
		Platform:  e.Platform,
		Message:   e.Message,
		Retryable: e.Retryable(),
	}
}

// HTTPStatus maps a category to the status code returned by the API.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryValidation:
		return http.StatusUnprocessableEntity
	case CategoryConfiguration:
		return http.StatusServiceUnavailable
	case CategoryPlatform:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

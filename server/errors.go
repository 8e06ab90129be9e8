package server

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error with one of the outcomes a caller can act on.
type Kind int

const (
	// KindUnavailable - the persistent store connection could not be obtained
	KindUnavailable Kind = iota + 1
	// KindUploadRejected - upload violated a local constraint, no remote call was made
	KindUploadRejected
	// KindUploadFailed - the remote upload call failed or returned an unusable result
	KindUploadFailed
	// KindDeleteFailed - the remote delete call failed
	KindDeleteFailed
	// KindMalformedReference - a media reference could not be parsed
	KindMalformedReference
	// KindValidation - the supplied fields were rejected
	KindValidation
	// KindNotFound - the requested entity does not exist
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindUploadRejected:
		return "upload_rejected"
	case KindUploadFailed:
		return "upload_failed"
	case KindDeleteFailed:
		return "delete_failed"
	case KindMalformedReference:
		return "malformed_reference"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is the error type surfaced by this package. Message is safe to show
// to callers; Err holds the internal cause and is never rendered outward.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes sentinel comparisons match on kind, so wrapped errors still
// satisfy errors.Is(err, ErrNotFound) and friends.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// E builds an *Error with an internal cause attached.
func E(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf builds an *Error with a formatted caller-visible message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrNotFound - the requested course (or cache entry) does not exist
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}
	// ErrUnavailable - the persistent store is not reachable right now
	ErrUnavailable = &Error{Kind: KindUnavailable, Message: "persistent store unavailable"}
	// ErrMissingMedia - the entity type requires an image and none was supplied
	ErrMissingMedia = &Error{Kind: KindValidation, Message: "a course image is required"}
)

// KindOf reports the Kind carried by err, unwrapping as needed. Errors that
// did not originate here report Kind(0).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// HTTPStatus maps an error to the status code the HTTP layer answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUploadRejected, KindMalformedReference, KindValidation:
		return http.StatusBadRequest
	case KindUploadFailed, KindDeleteFailed:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is what untrusted callers see: the taxonomy message without
// the internal cause chain.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

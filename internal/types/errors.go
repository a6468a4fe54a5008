package types

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure so the transport layer can map it to a
// status code without inspecting message text.
type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindState        Kind = "STATE"
	KindAuth         Kind = "AUTH"
	KindFunding      Kind = "FUNDING"
	KindExternalCall Kind = "EXTERNAL_CALL"
	KindNotFound     Kind = "NOT_FOUND"
)

// DomainError carries a failure kind alongside the message. All mutating
// operations return either success or exactly one of these kinds.
type DomainError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or empty string for non-domain errors.
func KindOf(err error) Kind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err is a DomainError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func Validationf(format string, args ...interface{}) error {
	return &DomainError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Statef(format string, args ...interface{}) error {
	return &DomainError{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

func Authf(format string, args ...interface{}) error {
	return &DomainError{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

func Fundingf(format string, args ...interface{}) error {
	return &DomainError{Kind: KindFunding, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) error {
	return &DomainError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// ExternalCall wraps a collaborator failure, keeping the cause available
// for logging while presenting a stable kind to callers.
func ExternalCall(message string, err error) error {
	return &DomainError{Kind: KindExternalCall, Message: message, Err: err}
}

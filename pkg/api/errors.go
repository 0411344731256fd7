package api

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed request by how callers must react to it.
type Kind int

const (
	// KindTransient covers 5xx responses and network failures; eligible for retry.
	KindTransient Kind = iota
	// KindUnauthorized is a 401; the session is gone and the request must not be retried.
	KindUnauthorized
	// KindClientError is any other 4xx or an undecodable response; surfaced, never retried.
	KindClientError
	// KindCanceled means the caller's context ended the request.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindClientError:
		return "client_error"
	case KindCanceled:
		return "canceled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every Client call that fails.
type Error struct {
	Kind    Kind
	Status  int
	Method  string
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies any error. Errors that did not come from the Client are
// treated as transient unless they are context cancellations.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindTransient
}

// IsUnauthorized reports whether err means the session expired.
func IsUnauthorized(err error) bool {
	return err != nil && KindOf(err) == KindUnauthorized
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func classifyStatus(status int) Kind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status >= 500:
		return KindTransient
	default:
		return KindClientError
	}
}

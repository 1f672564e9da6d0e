/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apperr defines the error taxonomy shared across all Codex
// layers. Every service operation returns either a value or an error
// carrying one of the kinds below; the HTTP edge maps kinds to status
// codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the HTTP edge.
type Kind string

const (
	// KindBackend is a lower-layer fault, potentially transient.
	KindBackend Kind = "backend_error"
	// KindInvalidInput indicates failed validation (schema, length, pattern, strength).
	KindInvalidInput Kind = "invalid_input"
	// KindInvalidPath indicates a document path that failed normalization.
	KindInvalidPath Kind = "invalid_path"
	// KindAuthenticationRequired indicates the request carries no valid session.
	KindAuthenticationRequired Kind = "authentication_required"
	// KindInvalidCredentials indicates a failed login. Deliberately opaque.
	KindInvalidCredentials Kind = "invalid_credentials"
	// KindPermissionDenied indicates a valid session with insufficient level.
	KindPermissionDenied Kind = "permission_denied"
	// KindNotFound indicates an absent user, session, or document.
	KindNotFound Kind = "not_found"
	// KindDuplicateResource indicates a unique-index conflict.
	KindDuplicateResource Kind = "duplicate_resource"
	// KindMaxDepthExceeded indicates a path beyond the nesting limit.
	KindMaxDepthExceeded Kind = "max_depth_exceeded"
	// KindRateLimitExceeded is surfaced by the edge rate limiter.
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	// KindServiceUnavailable indicates the backend stayed unreachable after retries.
	KindServiceUnavailable Kind = "service_unavailable"
)

// Error is a kinded error. Message is safe to return to clients;
// the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given kind, message, and cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindBackend if err carries none.
// A nil err has no kind; callers must check for nil first.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackend
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

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

// Package httpapi is the HTTP edge: echo routes for authentication,
// document lifecycle, and permissions, plus the websocket mount for
// collaboration. All service errors are kinded; this package maps
// kinds to status codes and renders the response envelope.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/scribeworks/codex/internal/apperr"
)

// envelope shapes every response body: successes carry data, failures
// carry a structured error.
type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
}

// respond renders a success envelope.
func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Data: data})
}

// respondError renders a failure envelope from a kinded error.
func respondError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	message := "internal error"
	var e *apperr.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	return c.JSON(statusFor(kind), envelope{Error: &errorBody{
		Code:      string(kind),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}})
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuthenticationRequired, apperr.KindInvalidCredentials:
		return http.StatusUnauthorized
	case apperr.KindPermissionDenied:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDuplicateResource:
		return http.StatusConflict
	case apperr.KindInvalidInput, apperr.KindInvalidPath, apperr.KindMaxDepthExceeded:
		return http.StatusBadRequest
	case apperr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

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

// Package logctx provides structured logging context management.
// It allows storing and extracting common logging fields from
// context.Context, enabling consistent logging across the HTTP edge
// and the collaboration layer.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyRequestID identifies the individual request.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyUserID identifies the authenticated user.
	ContextKeyUserID contextKey = "user_id"

	// ContextKeySessionID identifies the user session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyPath identifies the document path being operated on.
	ContextKeyPath contextKey = "document_path"

	// ContextKeyRoom identifies the collaboration room.
	ContextKeyRoom contextKey = "room"
)

// allContextKeys lists all context keys extracted for logging.
var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyUserID,
	ContextKeySessionID,
	ContextKeyPath,
	ContextKeyRoom,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithUserID returns a new context with the user ID set.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithPath returns a new context with the document path set.
func WithPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, ContextKeyPath, path)
}

// WithRoom returns a new context with the room name set.
func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, ContextKeyRoom, room)
}

// UserID extracts the user ID from the context, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyUserID).(string)
	return v
}

// RequestID extracts the request ID from the context, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyRequestID).(string)
	return v
}

// LoggerWithContext returns a logger enriched with every logging field
// present in ctx.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	for _, key := range allContextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			log = log.WithValues(string(key), v)
		}
	}
	return log
}

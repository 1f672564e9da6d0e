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

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/kv"
)

// Session is an opaque bearer token record stored under
// ["sessions", token]. Lifetimes are fixed: ExpiresAt is set at
// issuance and never extended; Touch only tracks activity.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
}

// Expired reports whether the session's lifetime has passed.
func (s *Session) Expired() bool { return !time.Now().Before(s.ExpiresAt) }

// SessionMetadata carries optional client attributes recorded at issuance.
type SessionMetadata struct {
	UserAgent string
	IP        string
}

// sweepBatchSize caps deletes per atomic transaction during a sweep.
const sweepBatchSize = 100

// Sessions manages session tokens on top of the KV store.
type Sessions struct {
	store   kv.Store
	timeout time.Duration
	log     logr.Logger
}

// NewSessions creates a session store issuing tokens valid for timeout.
func NewSessions(store kv.Store, timeout time.Duration, log logr.Logger) *Sessions {
	return &Sessions{store: store, timeout: timeout, log: log.WithName("sessions")}
}

// newToken returns a fresh 128-bit random token in hex.
func newToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generating session token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Issue creates and stores a session for userID.
func (s *Sessions) Issue(ctx context.Context, userID string, meta SessionMetadata) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	session := &Session{
		ID:        token,
		UserID:    userID,
		ExpiresAt: now.Add(s.timeout),
		CreatedAt: now,
		UpdatedAt: now,
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	}
	// Sessions are stored without a KV-level TTL: expiry is enforced on
	// Resolve and reclaimed by Sweep, which must be able to observe the
	// expired records it deletes.
	_, err = s.store.Set(ctx, sessionKey(token), session, kv.SetOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "storing session", err)
	}
	return session, nil
}

// Resolve returns the live session for token, or nil when the token is
// unknown or expired. Expired sessions observed here are deleted
// best-effort.
func (s *Sessions) Resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	entry, err := s.store.Get(ctx, sessionKey(token))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "reading session", err)
	}
	if entry == nil {
		return nil, nil
	}
	var session Session
	if err := kv.Decode(entry.Value, &session); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "decoding session", err)
	}
	if session.Expired() {
		if err := s.store.Delete(ctx, sessionKey(token)); err != nil {
			s.log.Error(err, "deleting expired session", "session", token)
		}
		return nil, nil
	}
	return &session, nil
}

// Touch records activity on a validated session. Last-writer-wins is
// fine here: the only contended field is the advisory activity
// timestamp, so no check-and-set is used.
func (s *Sessions) Touch(ctx context.Context, token string) error {
	entry, err := s.store.Get(ctx, sessionKey(token))
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "reading session", err)
	}
	if entry == nil {
		return nil
	}
	var session Session
	if err := kv.Decode(entry.Value, &session); err != nil {
		return apperr.Wrap(apperr.KindBackend, "decoding session", err)
	}
	if session.Expired() {
		return nil
	}
	session.UpdatedAt = time.Now()
	if _, err := s.store.Set(ctx, sessionKey(token), &session, kv.SetOptions{}); err != nil {
		return apperr.Wrap(apperr.KindBackend, "touching session", err)
	}
	return nil
}

// Revoke deletes the session. Idempotent.
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	if err := s.store.Delete(ctx, sessionKey(token)); err != nil {
		return apperr.Wrap(apperr.KindBackend, "revoking session", err)
	}
	return nil
}

// RevokeAllForUser deletes every session belonging to userID. Used
// when an account is deleted or deactivated.
func (s *Sessions) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	return s.sweepWhere(ctx, func(session *Session) bool {
		return session.UserID == userID
	})
}

// Sweep scans the sessions prefix and deletes entries past expiry, at
// most sweepBatchSize per atomic transaction. Returns the number of
// sessions removed.
func (s *Sessions) Sweep(ctx context.Context) (int, error) {
	return s.sweepWhere(ctx, func(session *Session) bool {
		return session.Expired()
	})
}

func (s *Sessions) sweepWhere(ctx context.Context, condemn func(*Session) bool) (int, error) {
	removed := 0
	var cursor string
	for {
		it, err := s.store.List(ctx, kv.Selector{Prefix: sessionPrefix()},
			kv.ListOptions{Limit: sweepBatchSize, Cursor: cursor})
		if err != nil {
			return removed, apperr.Wrap(apperr.KindBackend, "listing sessions", err)
		}

		var victims []kv.Key
		scanned := 0
		for it.Next() {
			scanned++
			e := it.Entry()
			var session Session
			if err := kv.Decode(e.Value, &session); err != nil {
				s.log.Error(err, "skipping undecodable session", "key", e.Key.String())
				continue
			}
			if condemn(&session) {
				victims = append(victims, e.Key)
			}
		}
		iterErr := it.Err()
		cursor = it.Cursor()
		_ = it.Close()
		if iterErr != nil {
			return removed, apperr.Wrap(apperr.KindBackend, "scanning sessions", iterErr)
		}

		if len(victims) > 0 {
			op := s.store.Atomic()
			for _, key := range victims {
				op.Delete(key)
			}
			if _, err := op.Commit(ctx); err != nil {
				return removed, apperr.Wrap(apperr.KindBackend, "deleting sessions", err)
			}
			removed += len(victims)
		}

		if scanned < sweepBatchSize {
			return removed, nil
		}
	}
}

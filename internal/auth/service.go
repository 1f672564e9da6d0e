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
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/kv"
)

// dummyHash keeps the failure path of Login doing the same PBKDF2 work
// as the success path, so response timing does not reveal whether the
// identifier matched an account.
var dummyHash, _ = HashPassword("timing-equalizer-0")

// Service implements registration, login, and profile management.
type Service struct {
	store    kv.Store
	sessions *Sessions
	log      logr.Logger
}

// NewService wires the auth service to its store and session issuer.
func NewService(store kv.Store, sessions *Sessions, log logr.Logger) *Service {
	return &Service{store: store, sessions: sessions, log: log.WithName("auth")}
}

// RegisterRequest carries the fields for account creation.
type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

// LoginRequest identifies an account by username or email.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Credentials bundles the authenticated user and their new session.
type Credentials struct {
	User    User
	Session *Session
}

// Register validates the request, creates the user and its indices in
// one atomic operation conditioned on index absence, and issues a
// session. A lost race on either index surfaces as DuplicateResource.
func (s *Service) Register(ctx context.Context, req RegisterRequest, meta SessionMetadata) (*Credentials, error) {
	if err := ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if req.Email != "" {
		if err := ValidateEmail(req.Email); err != nil {
			return nil, err
		}
	}
	if err := ValidatePasswordStrength(req.Password); err != nil {
		return nil, err
	}

	// Pre-checks give friendly errors on the common path; the atomic
	// absence checks below are what actually guarantee uniqueness.
	if taken, err := s.indexOccupied(ctx, usernameKey(req.Username)); err != nil {
		return nil, err
	} else if taken {
		return nil, apperr.New(apperr.KindDuplicateResource, "username is already taken")
	}
	if req.Email != "" {
		if taken, err := s.indexOccupied(ctx, emailKey(req.Email)); err != nil {
			return nil, err
		} else if taken {
			return nil, apperr.New(apperr.KindDuplicateResource, "email is already registered")
		}
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "hashing password", err)
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	now := time.Now()
	user := User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		DisplayName:  displayName,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
		Settings:     DefaultSettings(),
	}

	op := s.store.Atomic().
		Check(usernameKey(user.Username), "").
		Set(userKey(user.ID), user).
		Set(usernameKey(user.Username), user.ID)
	if user.Email != "" {
		op.Check(emailKey(user.Email), "").
			Set(emailKey(user.Email), user.ID)
	}
	res, err := op.Commit(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "creating user", err)
	}
	if !res.OK {
		return nil, apperr.New(apperr.KindDuplicateResource, "username or email is already taken")
	}

	session, err := s.sessions.Issue(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}
	s.log.Info("user registered", "user", user.ID, "username", user.Username)
	return &Credentials{User: user.Sanitized(), Session: session}, nil
}

func (s *Service) indexOccupied(ctx context.Context, key kv.Key) (bool, error) {
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		return false, apperr.Wrap(apperr.KindBackend, "reading index", err)
	}
	return entry != nil, nil
}

// Login resolves the identifier via the username index, then the email
// index, verifies the password, and issues a session. Every failure
// path returns the same opaque InvalidCredentials error.
func (s *Service) Login(ctx context.Context, req LoginRequest, meta SessionMetadata) (*Credentials, error) {
	user, err := s.lookupByIdentifier(ctx, req.Identifier)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		// Burn the same derivation work as a real verification.
		VerifyPassword(dummyHash, req.Password)
		return nil, invalidCredentials()
	}
	if !VerifyPassword(user.PasswordHash, req.Password) {
		return nil, invalidCredentials()
	}

	session, err := s.sessions.Issue(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}
	return &Credentials{User: user.Sanitized(), Session: session}, nil
}

func invalidCredentials() error {
	return apperr.New(apperr.KindInvalidCredentials, "invalid credentials")
}

func (s *Service) lookupByIdentifier(ctx context.Context, identifier string) (*User, error) {
	if identifier == "" {
		return nil, nil
	}
	for _, key := range []kv.Key{usernameKey(identifier), emailKey(identifier)} {
		entry, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBackend, "reading index", err)
		}
		if entry == nil {
			continue
		}
		id, ok := entry.Value.(string)
		if !ok {
			continue
		}
		return s.GetUser(ctx, id)
	}
	return nil, nil
}

// GetUser loads a user by id. Returns nil when absent.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	entry, err := s.store.Get(ctx, userKey(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "reading user", err)
	}
	if entry == nil {
		return nil, nil
	}
	var user User
	if err := kv.Decode(entry.Value, &user); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "decoding user", err)
	}
	return &user, nil
}

// RequireUser loads a user by id, failing with NotFound when absent.
func (s *Service) RequireUser(ctx context.Context, id string) (*User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	return user, nil
}

// ProfilePatch carries a partial profile update.
type ProfilePatch struct {
	DisplayName *string       `json:"displayName,omitempty"`
	Settings    SettingsPatch `json:"settings,omitempty"`
}

// UpdateProfile applies patch to the user record. The write is not
// atomic because no index keys change.
func (s *Service) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*User, error) {
	user, err := s.RequireUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if patch.DisplayName != nil {
		if *patch.DisplayName == "" {
			return nil, apperr.New(apperr.KindInvalidInput, "display name cannot be empty")
		}
		user.DisplayName = *patch.DisplayName
	}
	user.Settings = patch.Settings.merge(user.Settings)
	user.UpdatedAt = time.Now()
	if _, err := s.store.Set(ctx, userKey(userID), user, kv.SetOptions{}); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "updating user", err)
	}
	sanitized := user.Sanitized()
	return &sanitized, nil
}

// ChangePassword verifies the current password, validates the new
// one, and stores the new hash.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.RequireUser(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, current) {
		return invalidCredentials()
	}
	if err := ValidatePasswordStrength(next); err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "hashing password", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now()
	if _, err := s.store.Set(ctx, userKey(userID), user, kv.SetOptions{}); err != nil {
		return apperr.Wrap(apperr.KindBackend, "updating user", err)
	}
	return nil
}

// DeleteUser removes the account, its indices, and all of its
// sessions. The record and index removal is one atomic operation; the
// session purge follows since sessions own nothing.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	user, err := s.RequireUser(ctx, userID)
	if err != nil {
		return err
	}
	op := s.store.Atomic().
		Delete(userKey(userID)).
		Delete(usernameKey(user.Username))
	if user.Email != "" {
		op.Delete(emailKey(user.Email))
	}
	if _, err := op.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindBackend, "deleting user", err)
	}
	if _, err := s.sessions.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	s.log.Info("user deleted", "user", userID)
	return nil
}

// Deactivate revokes the account without removing it: isActive goes
// false and all sessions are purged. Index entries stay so the
// username cannot be reused while the record exists.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	user, err := s.RequireUser(ctx, userID)
	if err != nil {
		return err
	}
	user.IsActive = false
	user.UpdatedAt = time.Now()
	if _, err := s.store.Set(ctx, userKey(userID), user, kv.SetOptions{}); err != nil {
		return apperr.Wrap(apperr.KindBackend, "deactivating user", err)
	}
	_, err = s.sessions.RevokeAllForUser(ctx, userID)
	return err
}

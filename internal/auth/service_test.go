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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/kv"
	kvbolt "github.com/scribeworks/codex/internal/kv/bolt"
)

func newTestService(t *testing.T) (*Service, *Sessions, kv.Store) {
	t.Helper()
	store, err := kvbolt.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sessions := NewSessions(store, time.Hour, logr.Discard())
	return NewService(store, sessions, logr.Discard()), sessions, store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Register(ctx, RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "alice123abc",
	}, SessionMetadata{})
	require.NoError(t, err)
	require.NotNil(t, creds.Session)
	assert.Equal(t, "alice", creds.User.Username)
	assert.Equal(t, "alice", creds.User.DisplayName)
	assert.Empty(t, creds.User.PasswordHash)
	assert.True(t, creds.Session.ExpiresAt.After(time.Now()))

	byUsername, err := svc.Login(ctx, LoginRequest{Identifier: "alice", Password: "alice123abc"}, SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, creds.User.ID, byUsername.User.ID)

	byEmail, err := svc.Login(ctx, LoginRequest{Identifier: "alice@example.com", Password: "alice123abc"}, SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, creds.User.ID, byEmail.User.ID)

	_, err = svc.Login(ctx, LoginRequest{Identifier: "alice", Password: "wrongpass1"}, SessionMetadata{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidCredentials))
}

func TestLoginFailuresAreOpaque(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Username: "carol", Password: "carol123abc"}, SessionMetadata{})
	require.NoError(t, err)

	// Unknown identifier and wrong password must be indistinguishable.
	_, errUnknown := svc.Login(ctx, LoginRequest{Identifier: "nobody", Password: "carol123abc"}, SessionMetadata{})
	_, errWrongPass := svc.Login(ctx, LoginRequest{Identifier: "carol", Password: "bad1password"}, SessionMetadata{})
	require.Error(t, errUnknown)
	require.Error(t, errWrongPass)
	assert.Equal(t, errUnknown.Error(), errWrongPass.Error())
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []RegisterRequest{
		{Username: "ab", Password: "valid1pass"},                          // username too short
		{Username: "has spaces", Password: "valid1pass"},                  // bad characters
		{Username: "okname", Password: "short1"},                          // weak password
		{Username: "okname", Password: "nodigitshere"},                    // weak password
		{Username: "okname", Email: "not-an-email", Password: "valid1pass"},
	}
	for _, req := range cases {
		_, err := svc.Register(ctx, req, SessionMetadata{})
		require.Error(t, err, "request %+v", req)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput), "request %+v got %v", req, err)
	}
}

func TestConcurrentDuplicateRegistration(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Register(ctx, RegisterRequest{
				Username: "bob",
				Password: "bob123secret",
			}, SessionMetadata{})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, apperr.IsKind(err, apperr.KindDuplicateResource), "got %v", err)
	}
	assert.Equal(t, 1, winners, "exactly one registration should commit")
}

func TestUpdateProfileMergesSettings(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Register(ctx, RegisterRequest{Username: "dana", Password: "dana123abc"}, SessionMetadata{})
	require.NoError(t, err)

	theme := "dark"
	name := "Dana D."
	user, err := svc.UpdateProfile(ctx, creds.User.ID, ProfilePatch{
		DisplayName: &name,
		Settings:    SettingsPatch{Theme: &theme},
	})
	require.NoError(t, err)
	assert.Equal(t, "Dana D.", user.DisplayName)
	assert.Equal(t, "dark", user.Settings.Theme)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultSettings().FontSize, user.Settings.FontSize)
	assert.Equal(t, DefaultSettings().Language, user.Settings.Language)
}

func TestChangePassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Register(ctx, RegisterRequest{Username: "erin", Password: "erin123abc"}, SessionMetadata{})
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, creds.User.ID, "wrong1pass", "next123abc")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidCredentials))

	err = svc.ChangePassword(ctx, creds.User.ID, "erin123abc", "weak")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))

	require.NoError(t, svc.ChangePassword(ctx, creds.User.ID, "erin123abc", "next123abc"))

	_, err = svc.Login(ctx, LoginRequest{Identifier: "erin", Password: "erin123abc"}, SessionMetadata{})
	require.Error(t, err)
	_, err = svc.Login(ctx, LoginRequest{Identifier: "erin", Password: "next123abc"}, SessionMetadata{})
	require.NoError(t, err)
}

func TestDeleteUserRemovesIndicesAndSessions(t *testing.T) {
	svc, sessions, store := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Register(ctx, RegisterRequest{
		Username: "frank",
		Email:    "frank@example.com",
		Password: "frank123abc",
	}, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteUser(ctx, creds.User.ID))

	for _, key := range []kv.Key{
		kv.K("users", "by_id", creds.User.ID),
		kv.K("users", "by_username", "frank"),
		kv.K("users", "by_email", "frank@example.com"),
	} {
		entry, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, entry, "key %s should be gone", key)
	}

	resolved, err := sessions.Resolve(ctx, creds.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, resolved, "sessions of a deleted user must be revoked")

	// The username becomes available again.
	_, err = svc.Register(ctx, RegisterRequest{Username: "frank", Password: "frank123abc"}, SessionMetadata{})
	require.NoError(t, err)
}

func TestDeactivateBlocksLogin(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Register(ctx, RegisterRequest{Username: "gil", Password: "gil123abcd"}, SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(ctx, creds.User.ID))

	_, err = svc.Login(ctx, LoginRequest{Identifier: "gil", Password: "gil123abcd"}, SessionMetadata{})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidCredentials))
}

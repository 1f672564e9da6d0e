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

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/codex/internal/auth"
	"github.com/scribeworks/codex/internal/document"
	kvbolt "github.com/scribeworks/codex/internal/kv/bolt"
	"github.com/scribeworks/codex/internal/permission"
)

func newTestRouter(t *testing.T) *echo.Echo {
	t.Helper()
	store, err := kvbolt.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logr.Discard()
	sessions := auth.NewSessions(store, time.Hour, log)
	authSvc := auth.NewService(store, sessions, log)
	docs := document.NewService(store, document.Config{MaxNestingDepth: 10}, log)
	resolver := permission.NewResolver(store, nil, permission.Config{
		MaxNestingDepth:       10,
		EnablePublicDocuments: true,
	}, log)

	api := New(authSvc, sessions, docs, resolver, nil, nil, log)
	return api.Router()
}

type apiResponse struct {
	status  int
	data    map[string]any
	errBody map[string]any
}

func do(t *testing.T, router *echo.Echo, method, target, token string, body any) apiResponse {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope struct {
		Data  map[string]any `json:"data"`
		Error map[string]any `json:"error"`
	}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	}
	return apiResponse{status: rec.Code, data: envelope.Data, errBody: envelope.Error}
}

func register(t *testing.T, router *echo.Echo, username, password string) string {
	t.Helper()
	resp := do(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"password": password,
	})
	require.Equal(t, http.StatusCreated, resp.status)
	token, _ := resp.data["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestRegisterLoginFlow(t *testing.T) {
	router := newTestRouter(t)

	resp := do(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "alice123abc",
	})
	require.Equal(t, http.StatusCreated, resp.status)

	resp = do(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "alice@example.com",
		"password":   "alice123abc",
	})
	require.Equal(t, http.StatusOK, resp.status)
	token, _ := resp.data["token"].(string)
	require.NotEmpty(t, token)

	resp = do(t, router, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "alice", resp.data["username"])

	// Wrong password maps to 401 with an opaque code.
	resp = do(t, router, http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "alice",
		"password":   "wrong1password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Equal(t, "invalid_credentials", resp.errBody["code"])
}

func TestDuplicateRegistrationConflict(t *testing.T) {
	router := newTestRouter(t)
	register(t, router, "bob", "bob123secret")

	resp := do(t, router, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "bob",
		"password": "other1secret",
	})
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, "duplicate_resource", resp.errBody["code"])
}

func TestDocumentLifecycle(t *testing.T) {
	router := newTestRouter(t)
	token := register(t, router, "carol", "carol123abc")

	resp := do(t, router, http.MethodPost, "/api/documents", token, map[string]any{
		"path":  "/carol/notes",
		"title": "Notes",
	})
	require.Equal(t, http.StatusCreated, resp.status)

	resp = do(t, router, http.MethodGet, "/api/documents/carol/notes", token, nil)
	require.Equal(t, http.StatusOK, resp.status)
	meta, _ := resp.data["metadata"].(map[string]any)
	require.NotNil(t, meta)
	assert.Equal(t, "/carol/notes", meta["path"])

	resp = do(t, router, http.MethodPatch, "/api/documents/carol/notes", token, map[string]any{
		"title": "Renamed",
	})
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "Renamed", resp.data["title"])

	resp = do(t, router, http.MethodDelete, "/api/documents/carol/notes", token, nil)
	require.Equal(t, http.StatusOK, resp.status)

	resp = do(t, router, http.MethodGet, "/api/documents/carol/notes", token, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestPermissionEnforcement(t *testing.T) {
	router := newTestRouter(t)
	owner := register(t, router, "dave", "dave123abcd")
	stranger := register(t, router, "eve", "eve123abcde")

	resp := do(t, router, http.MethodPost, "/api/documents", owner, map[string]any{
		"path": "/dave/private",
	})
	require.Equal(t, http.StatusCreated, resp.status)

	// A stranger cannot read the document.
	resp = do(t, router, http.MethodGet, "/api/documents/dave/private", stranger, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Equal(t, "permission_denied", resp.errBody["code"])

	// Unauthenticated requests get 401.
	resp = do(t, router, http.MethodGet, "/api/documents/dave/private", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	// The owner grants the stranger viewer access; reads now succeed.
	meResp := do(t, router, http.MethodGet, "/api/auth/me", stranger, nil)
	eveID, _ := meResp.data["id"].(string)
	require.NotEmpty(t, eveID)

	resp = do(t, router, http.MethodPut, "/api/permissions/dave/private", owner, map[string]any{
		"grants": map[string]string{eveID: "viewer"},
	})
	require.Equal(t, http.StatusOK, resp.status)

	resp = do(t, router, http.MethodGet, "/api/documents/dave/private", stranger, nil)
	assert.Equal(t, http.StatusOK, resp.status)

	// Viewers cannot manage permissions.
	resp = do(t, router, http.MethodGet, "/api/permissions/dave/private", stranger, nil)
	assert.Equal(t, http.StatusForbidden, resp.status)
}

func TestOwnershipTransfer(t *testing.T) {
	router := newTestRouter(t)
	owner := register(t, router, "frank", "frank123abc")
	heir := register(t, router, "grace", "grace123abc")

	meResp := do(t, router, http.MethodGet, "/api/auth/me", heir, nil)
	heirID, _ := meResp.data["id"].(string)
	require.NotEmpty(t, heirID)

	resp := do(t, router, http.MethodPost, "/api/documents", owner, map[string]any{
		"path": "/frank/estate",
	})
	require.Equal(t, http.StatusCreated, resp.status)

	// Only the owner may transfer.
	resp = do(t, router, http.MethodPost, "/api/ownership", heir, map[string]string{
		"path":     "/frank/estate",
		"newOwner": heirID,
	})
	assert.Equal(t, http.StatusForbidden, resp.status)

	resp = do(t, router, http.MethodPost, "/api/ownership", owner, map[string]string{
		"path":     "/frank/estate",
		"newOwner": heirID,
	})
	require.Equal(t, http.StatusOK, resp.status)

	// The heir now owns the document and can delete it.
	resp = do(t, router, http.MethodDelete, "/api/documents/frank/estate", heir, nil)
	assert.Equal(t, http.StatusOK, resp.status)
}

func TestInvalidPathRejected(t *testing.T) {
	router := newTestRouter(t)
	token := register(t, router, "hank", "hank123abcd")

	resp := do(t, router, http.MethodPost, "/api/documents", token, map[string]any{
		"path": "/a/../b",
	})
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, "invalid_path", resp.errBody["code"])
}

func TestRateLimitResponse(t *testing.T) {
	store, err := kvbolt.Open(filepath.Join(t.TempDir(), "rl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logr.Discard()
	sessions := auth.NewSessions(store, time.Hour, log)
	authSvc := auth.NewService(store, sessions, log)
	docs := document.NewService(store, document.Config{}, log)
	resolver := permission.NewResolver(store, nil, permission.Config{}, log)

	api := New(authSvc, sessions, docs, resolver, nil, NewMemoryRateLimiter(time.Minute, 2), log)
	router := api.Router()

	for i := 0; i < 2; i++ {
		resp := do(t, router, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, resp.status)
	}
	resp := do(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.status)
	assert.Equal(t, "rate_limit_exceeded", resp.errBody["code"])
}

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
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/auth"
	"github.com/scribeworks/codex/internal/document"
	"github.com/scribeworks/codex/internal/permission"
	"github.com/scribeworks/codex/pkg/logctx"
)

// sessionCookie is the fallback session carrier for browser clients;
// API clients use the Authorization bearer header.
const sessionCookie = "codex_session"

// ctxKeySession stores the resolved session on the echo context.
const ctxKeySession = "codex.session"

// API wires the HTTP edge to the core services.
type API struct {
	authSvc   *auth.Service
	sessions  *auth.Sessions
	documents *document.Service
	perms     *permission.Resolver
	collab    http.Handler
	limiter   RateLimiter
	log       logr.Logger
}

// New creates the edge API. collab may be nil when the websocket
// endpoint is mounted elsewhere; limiter may be nil to disable
// rate limiting.
func New(authSvc *auth.Service, sessions *auth.Sessions, documents *document.Service,
	perms *permission.Resolver, collab http.Handler, limiter RateLimiter, log logr.Logger) *API {
	return &API{
		authSvc:   authSvc,
		sessions:  sessions,
		documents: documents,
		perms:     perms,
		collab:    collab,
		limiter:   limiter,
		log:       log.WithName("httpapi"),
	}
}

// Router builds the echo engine with every route registered.
func (a *API) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(a.requestIDMiddleware)
	if a.limiter != nil {
		e.Use(rateLimitMiddleware(a.limiter))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return respond(c, http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.POST("/register", a.handleRegister)
	authGroup.POST("/login", a.handleLogin)
	authGroup.POST("/logout", a.handleLogout, a.requireSession)
	authGroup.GET("/me", a.handleMe, a.requireSession)
	authGroup.PATCH("/profile", a.handleUpdateProfile, a.requireSession)
	authGroup.POST("/password", a.handleChangePassword, a.requireSession)

	docs := api.Group("/documents", a.requireSession)
	docs.POST("", a.handleCreateDocument)
	docs.GET("/*", a.handleGetDocument)
	docs.PATCH("/*", a.handleUpdateDocument)
	docs.DELETE("/*", a.handleDeleteDocument)

	api.GET("/permissions/*", a.handleGetPermissions, a.requireSession)
	api.PUT("/permissions/*", a.handleSetPermissions, a.requireSession)
	api.POST("/ownership", a.handleTransferOwnership, a.requireSession)

	if a.collab != nil {
		e.GET("/collab", echo.WrapHandler(a.collab))
	}

	return e
}

// requestIDMiddleware tags every request with an ID for log correlation.
func (a *API) requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		requestID := c.Request().Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := logctx.WithRequestID(c.Request().Context(), requestID)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set("X-Request-Id", requestID)
		return next(c)
	}
}

// requireSession resolves the bearer token or session cookie into a
// session, touching it on success.
func (a *API) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := bearerToken(c)
		if token == "" {
			return respondError(c, apperr.New(apperr.KindAuthenticationRequired, "authentication required"))
		}
		session, err := a.sessions.Resolve(c.Request().Context(), token)
		if err != nil {
			return respondError(c, err)
		}
		if session == nil {
			return respondError(c, apperr.New(apperr.KindAuthenticationRequired, "session is invalid or expired"))
		}
		if err := a.sessions.Touch(c.Request().Context(), token); err != nil {
			a.log.Error(err, "recording session activity")
		}
		c.Set(ctxKeySession, session)
		ctx := logctx.WithUserID(c.Request().Context(), session.UserID)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// currentSession returns the session set by requireSession.
func currentSession(c echo.Context) *auth.Session {
	session, _ := c.Get(ctxKeySession).(*auth.Session)
	return session
}

// docPath extracts the wildcard document path from the request.
func docPath(c echo.Context) string {
	return "/" + strings.TrimPrefix(c.Param("*"), "/")
}

// --- auth handlers ----------------------------------------------------------

func (a *API) handleRegister(c echo.Context) error {
	var req auth.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}
	creds, err := a.authSvc.Register(c.Request().Context(), req, sessionMetadata(c))
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusCreated, credentialsBody(creds))
}

func (a *API) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}
	creds, err := a.authSvc.Login(c.Request().Context(), req, sessionMetadata(c))
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, credentialsBody(creds))
}

func (a *API) handleLogout(c echo.Context) error {
	session := currentSession(c)
	if err := a.sessions.Revoke(c.Request().Context(), session.ID); err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (a *API) handleMe(c echo.Context) error {
	session := currentSession(c)
	user, err := a.authSvc.RequireUser(c.Request().Context(), session.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, user.Sanitized())
}

func (a *API) handleUpdateProfile(c echo.Context) error {
	session := currentSession(c)
	var patch auth.ProfilePatch
	if err := c.Bind(&patch); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}
	user, err := a.authSvc.UpdateProfile(c.Request().Context(), session.UserID, patch)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, user)
}

func (a *API) handleChangePassword(c echo.Context) error {
	session := currentSession(c)
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}
	err := a.authSvc.ChangePassword(c.Request().Context(), session.UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, map[string]bool{"changed": true})
}

func sessionMetadata(c echo.Context) auth.SessionMetadata {
	return auth.SessionMetadata{
		UserAgent: c.Request().UserAgent(),
		IP:        c.RealIP(),
	}
}

func credentialsBody(creds *auth.Credentials) map[string]any {
	return map[string]any{
		"user":      creds.User,
		"token":     creds.Session.ID,
		"expiresAt": creds.Session.ExpiresAt,
	}
}

// --- document handlers ------------------------------------------------------

type createDocumentRequest struct {
	Path              string                `json:"path"`
	Title             string                `json:"title,omitempty"`
	Description       string                `json:"description,omitempty"`
	Tags              []string              `json:"tags,omitempty"`
	InheritFromParent *bool                 `json:"inheritFromParent,omitempty"`
	PublicAccess      document.PublicAccess `json:"publicAccess,omitempty"`
}

func (a *API) handleCreateDocument(c echo.Context) error {
	session := currentSession(c)
	ctx := c.Request().Context()

	var req createDocumentRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}

	path, err := document.NormalizePath(req.Path)
	if err != nil {
		return respondError(c, err)
	}
	// Creating a child requires editor access on an existing parent
	// document; top-level paths and namespace gaps need no grant.
	if parent := document.ParentPath(path); parent != "" {
		parentMeta, err := a.documents.Get(ctx, parent)
		if err != nil {
			return respondError(c, err)
		}
		if parentMeta != nil {
			allowed, err := a.perms.Can(ctx, session.UserID, permission.ActionCreateChild, parent)
			if err != nil {
				return respondError(c, err)
			}
			if !allowed {
				return respondError(c, apperr.New(apperr.KindPermissionDenied,
					"creating a child requires editor access on the parent"))
			}
		}
	}

	meta, err := a.documents.Create(ctx, document.CreateRequest{
		Path:              path,
		OwnerID:           session.UserID,
		Title:             req.Title,
		Description:       req.Description,
		Tags:              req.Tags,
		InheritFromParent: req.InheritFromParent,
		PublicAccess:      req.PublicAccess,
	})
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusCreated, meta)
}

func (a *API) handleGetDocument(c echo.Context) error {
	session := currentSession(c)
	ctx := c.Request().Context()
	path := docPath(c)

	allowed, err := a.perms.Can(ctx, session.UserID, permission.ActionRead, path)
	if err != nil {
		return respondError(c, err)
	}
	if !allowed {
		return respondError(c, apperr.New(apperr.KindPermissionDenied, "reading this document requires access"))
	}

	meta, err := a.documents.Require(ctx, path)
	if err != nil {
		return respondError(c, err)
	}
	a.documents.TouchAccess(ctx, path)

	children, err := a.documents.Children(ctx, path)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, map[string]any{"metadata": meta, "children": children})
}

func (a *API) handleUpdateDocument(c echo.Context) error {
	session := currentSession(c)
	ctx := c.Request().Context()
	path := docPath(c)

	allowed, err := a.perms.Can(ctx, session.UserID, permission.ActionUpdate, path)
	if err != nil {
		return respondError(c, err)
	}
	if !allowed {
		return respondError(c, apperr.New(apperr.KindPermissionDenied, "updating this document requires editor access"))
	}

	var req struct {
		Title       *string   `json:"title,omitempty"`
		Description *string   `json:"description,omitempty"`
		Tags        *[]string `json:"tags,omitempty"`
		IsArchived  *bool     `json:"isArchived,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}
	meta, err := a.documents.Update(ctx, path, document.UpdateRequest{
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		IsArchived:  req.IsArchived,
	})
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, meta)
}

func (a *API) handleDeleteDocument(c echo.Context) error {
	session := currentSession(c)
	ctx := c.Request().Context()
	path := docPath(c)

	allowed, err := a.perms.Can(ctx, session.UserID, permission.ActionDelete, path)
	if err != nil {
		return respondError(c, err)
	}
	if !allowed {
		return respondError(c, apperr.New(apperr.KindPermissionDenied, "deleting a document requires ownership"))
	}
	if err := a.documents.Delete(ctx, path); err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, map[string]bool{"deleted": true})
}

// --- permission handlers ----------------------------------------------------

func (a *API) handleGetPermissions(c echo.Context) error {
	session := currentSession(c)
	ctx := c.Request().Context()
	path := docPath(c)

	allowed, err := a.perms.Can(ctx, session.UserID, permission.ActionShare, path)
	if err != nil {
		return respondError(c, err)
	}
	if !allowed {
		return respondError(c, apperr.New(apperr.KindPermissionDenied, "viewing permissions requires admin access"))
	}
	perms, err := a.perms.Get(ctx, path)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, perms)
}

type setPermissionsRequest struct {
	Grants            map[string]string      `json:"grants,omitempty"`
	PublicAccess      *document.PublicAccess `json:"publicAccess,omitempty"`
	InheritFromParent *bool                  `json:"inheritFromParent,omitempty"`
}

func (a *API) handleSetPermissions(c echo.Context) error {
	session := currentSession(c)
	path := docPath(c)

	var req setPermissionsRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}
	patch := permission.Patch{
		PublicAccess:      req.PublicAccess,
		InheritFromParent: req.InheritFromParent,
	}
	if len(req.Grants) > 0 {
		patch.Grants = make(map[string]permission.Level, len(req.Grants))
		for userID, role := range req.Grants {
			patch.Grants[userID] = permission.ParseLevel(role)
		}
	}
	perms, err := a.perms.Set(c.Request().Context(), session.UserID, path, patch)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, perms)
}

func (a *API) handleTransferOwnership(c echo.Context) error {
	session := currentSession(c)
	ctx := c.Request().Context()

	var req struct {
		Path     string `json:"path"`
		NewOwner string `json:"newOwner"`
	}
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "malformed request body"))
	}
	if req.NewOwner == "" {
		return respondError(c, apperr.New(apperr.KindInvalidInput, "newOwner is required"))
	}

	allowed, err := a.perms.Can(ctx, session.UserID, permission.ActionManage, req.Path)
	if err != nil {
		return respondError(c, err)
	}
	if !allowed {
		return respondError(c, apperr.New(apperr.KindPermissionDenied, "transferring ownership requires ownership"))
	}

	if _, err := a.authSvc.RequireUser(ctx, req.NewOwner); err != nil {
		return respondError(c, err)
	}
	if err := a.documents.TransferOwnership(ctx, req.Path, req.NewOwner); err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, map[string]bool{"transferred": true})
}

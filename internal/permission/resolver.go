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

package permission

import (
	"context"
	"slices"

	"github.com/go-logr/logr"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/document"
	"github.com/scribeworks/codex/internal/kv"
)

// AdminChecker reports whether a user holds the system-admin flag.
// System admins short-circuit every permission check.
type AdminChecker interface {
	IsSystemAdmin(ctx context.Context, userID string) (bool, error)
}

// AdminCheckerFunc adapts a function to the AdminChecker interface.
type AdminCheckerFunc func(ctx context.Context, userID string) (bool, error)

// IsSystemAdmin implements AdminChecker.
func (f AdminCheckerFunc) IsSystemAdmin(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

// Config bounds and gates the resolver.
type Config struct {
	// MaxNestingDepth bounds the inheritance walk. Default 10.
	MaxNestingDepth int
	// MaxCollaboratorsPerDoc caps editors+commenters+viewers.
	// Zero means no cap.
	MaxCollaboratorsPerDoc int
	// EnablePublicDocuments gates setting publicAccess above none.
	EnablePublicDocuments bool
}

// Resolver answers authorization questions over the document tree.
type Resolver struct {
	store  kv.Store
	admins AdminChecker
	cfg    Config
	log    logr.Logger
}

// NewResolver wires the resolver. admins may be nil when no
// system-admin override exists.
func NewResolver(store kv.Store, admins AdminChecker, cfg Config, log logr.Logger) *Resolver {
	if cfg.MaxNestingDepth <= 0 {
		cfg.MaxNestingDepth = 10
	}
	return &Resolver{store: store, admins: admins, cfg: cfg, log: log.WithName("permissions")}
}

// Resolve determines userID's effective level on path. An empty
// userID resolves public access only.
func (r *Resolver) Resolve(ctx context.Context, userID, rawPath string) (Resolved, error) {
	path, err := document.NormalizePath(rawPath)
	if err != nil {
		return Resolved{}, err
	}
	return r.resolve(ctx, userID, path, 0)
}

func (r *Resolver) resolve(ctx context.Context, userID, path string, hops int) (Resolved, error) {
	// The walk is bounded by the maximum nesting depth; anything
	// deeper truncates to None.
	if hops > r.cfg.MaxNestingDepth {
		return Resolved{Level: None}, nil
	}

	perms, err := r.load(ctx, path)
	if err != nil {
		return Resolved{}, err
	}
	if perms == nil {
		// Paths without a permission record are namespace gaps: no
		// direct or public grants, but the walk continues upward.
		parent := document.ParentPath(path)
		if parent == "" {
			return Resolved{Level: None}, nil
		}
		inherited, err := r.resolve(ctx, userID, parent, hops+1)
		if err != nil {
			return Resolved{}, err
		}
		if inherited.Level == None {
			return Resolved{Level: None}, nil
		}
		level := inherited.Level
		if level == Owner {
			level = Admin
		}
		from := inherited.InheritedFrom
		if from == "" {
			from = parent
		}
		return Resolved{Level: level, Inherited: true, InheritedFrom: from}, nil
	}

	// Direct check: owner and explicit role lists return before any
	// inheritance or public consideration, so a closer explicit grant
	// always wins.
	if userID != "" {
		switch {
		case perms.Owner == userID:
			return Resolved{Level: Owner, Explicit: true}, nil
		case slices.Contains(perms.Editors, userID):
			return Resolved{Level: Editor, Explicit: true}, nil
		case slices.Contains(perms.Commenters, userID):
			return Resolved{Level: Commenter, Explicit: true}, nil
		case slices.Contains(perms.Viewers, userID):
			return Resolved{Level: Viewer, Explicit: true}, nil
		}
	}

	// Inherited check: only when this document opts into inheritance
	// and has a parent.
	if perms.InheritFromParent {
		if parent := document.ParentPath(path); parent != "" {
			inherited, err := r.resolve(ctx, userID, parent, hops+1)
			if err != nil {
				return Resolved{}, err
			}
			if inherited.Level > None {
				level := inherited.Level
				if level == Owner {
					// Ownership is not inheritable.
					level = Admin
				}
				from := inherited.InheritedFrom
				if from == "" {
					from = parent
				}
				return Resolved{Level: level, Inherited: true, InheritedFrom: from}, nil
			}
		}
	}

	// Public check last.
	if perms.PublicAccess != document.PublicNone {
		return Resolved{Level: publicLevel(perms.PublicAccess), PublicAccess: true}, nil
	}
	return Resolved{Level: None}, nil
}

// HasLevel reports whether userID holds at least required on path.
func (r *Resolver) HasLevel(ctx context.Context, userID, path string, required Level) (bool, error) {
	if ok, err := r.isSystemAdmin(ctx, userID); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	resolved, err := r.Resolve(ctx, userID, path)
	if err != nil {
		return false, err
	}
	return resolved.Level >= required, nil
}

// Can reports whether userID may perform action on path. For
// ActionCreateChild the caller passes the parent path.
func (r *Resolver) Can(ctx context.Context, userID string, action Action, path string) (bool, error) {
	return r.HasLevel(ctx, userID, path, requiredLevel(action))
}

func (r *Resolver) isSystemAdmin(ctx context.Context, userID string) (bool, error) {
	if r.admins == nil || userID == "" {
		return false, nil
	}
	return r.admins.IsSystemAdmin(ctx, userID)
}

// load reads the permission record for path. Returns nil when absent.
func (r *Resolver) load(ctx context.Context, path string) (*document.Permissions, error) {
	entry, err := r.store.Get(ctx, document.PermissionsKey(path))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "reading permissions", err)
	}
	if entry == nil {
		return nil, nil
	}
	var perms document.Permissions
	if err := kv.Decode(entry.Value, &perms); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "decoding permissions", err)
	}
	return &perms, nil
}

// Get returns the permission record for path, failing with NotFound
// when the document has none.
func (r *Resolver) Get(ctx context.Context, rawPath string) (*document.Permissions, error) {
	path, err := document.NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	perms, err := r.load(ctx, path)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		return nil, apperr.New(apperr.KindNotFound, "document not found")
	}
	return perms, nil
}

// Patch carries a partial permission update. Role grants move the
// user into exactly one list; nil fields keep current values.
type Patch struct {
	// Grants maps userID to the role to grant: viewer, commenter, or
	// editor. Granting none removes the user from all lists.
	Grants map[string]Level
	// PublicAccess replaces the document's public access.
	PublicAccess *document.PublicAccess
	// InheritFromParent toggles inheritance.
	InheritFromParent *bool
}

// Set applies patch to path's permissions on behalf of actor, who must
// hold at least Admin there. The owner cannot be granted a lesser role
// and cannot be changed through this surface.
func (r *Resolver) Set(ctx context.Context, actor, rawPath string, patch Patch) (*document.Permissions, error) {
	path, err := document.NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	allowed, err := r.HasLevel(ctx, actor, path, Admin)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, apperr.New(apperr.KindPermissionDenied, "managing permissions requires admin access")
	}

	entry, err := r.store.Get(ctx, document.PermissionsKey(path))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "reading permissions", err)
	}
	if entry == nil {
		return nil, apperr.New(apperr.KindNotFound, "document not found")
	}
	var perms document.Permissions
	if err := kv.Decode(entry.Value, &perms); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "decoding permissions", err)
	}

	for userID, level := range patch.Grants {
		if userID == perms.Owner {
			return nil, apperr.New(apperr.KindInvalidInput, "the owner's role cannot be changed here")
		}
		// A user appears in at most one role list: remove everywhere,
		// then insert into the targeted list.
		perms.Editors = removeUser(perms.Editors, userID)
		perms.Commenters = removeUser(perms.Commenters, userID)
		perms.Viewers = removeUser(perms.Viewers, userID)
		switch level {
		case Editor:
			perms.Editors = append(perms.Editors, userID)
		case Commenter:
			perms.Commenters = append(perms.Commenters, userID)
		case Viewer:
			perms.Viewers = append(perms.Viewers, userID)
		case None:
			// Removal only.
		default:
			return nil, apperr.New(apperr.KindInvalidInput, "grantable roles are viewer, commenter, and editor")
		}
	}

	if patch.PublicAccess != nil {
		if !patch.PublicAccess.Valid() {
			return nil, apperr.New(apperr.KindInvalidInput, "invalid public access value")
		}
		if *patch.PublicAccess != document.PublicNone && !r.cfg.EnablePublicDocuments {
			return nil, apperr.New(apperr.KindInvalidInput, "public documents are disabled")
		}
		perms.PublicAccess = *patch.PublicAccess
	}
	if patch.InheritFromParent != nil {
		perms.InheritFromParent = *patch.InheritFromParent
	}

	if r.cfg.MaxCollaboratorsPerDoc > 0 && perms.CollaboratorCount() > r.cfg.MaxCollaboratorsPerDoc {
		return nil, apperr.Newf(apperr.KindInvalidInput,
			"document cannot have more than %d collaborators", r.cfg.MaxCollaboratorsPerDoc)
	}

	res, err := r.store.Atomic().
		Check(document.PermissionsKey(path), entry.Versionstamp).
		Set(document.PermissionsKey(path), &perms).
		Commit(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "writing permissions", err)
	}
	if !res.OK {
		return nil, apperr.New(apperr.KindBackend, "permissions changed concurrently; retry")
	}
	r.log.Info("permissions updated", "path", path, "actor", actor)
	return &perms, nil
}

func removeUser(list []string, userID string) []string {
	out := list[:0:0]
	for _, id := range list {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

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
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/document"
	"github.com/scribeworks/codex/internal/kv"
	kvbolt "github.com/scribeworks/codex/internal/kv/bolt"
)

type fixture struct {
	store    kv.Store
	docs     *document.Service
	resolver *Resolver
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := kvbolt.Open(filepath.Join(t.TempDir(), "perm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if cfg.MaxNestingDepth == 0 {
		cfg.MaxNestingDepth = 10
	}
	return &fixture{
		store:    store,
		docs:     document.NewService(store, document.Config{MaxNestingDepth: cfg.MaxNestingDepth}, logr.Discard()),
		resolver: NewResolver(store, nil, cfg, logr.Discard()),
	}
}

func (f *fixture) create(t *testing.T, path, owner string, inherit bool, public document.PublicAccess) {
	t.Helper()
	_, err := f.docs.Create(context.Background(), document.CreateRequest{
		Path:              path,
		OwnerID:           owner,
		InheritFromParent: &inherit,
		PublicAccess:      public,
	})
	require.NoError(t, err, "creating %s", path)
}

func TestLevelOrdering(t *testing.T) {
	levels := []Level{None, Viewer, Commenter, Editor, Admin, Owner}
	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i-1], levels[i])
	}
	for _, l := range levels {
		assert.Equal(t, l, ParseLevel(l.String()))
	}
}

// TestHierarchicalInheritance is the /alice/projects scenario: a
// commenter grant on the parent is visible through an inheriting child.
func TestHierarchicalInheritance(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/alice/projects", "alice", false, document.PublicNone)
	f.create(t, "/alice/projects/report", "alice", true, document.PublicNone)

	// alice grants charlie commenter on the parent. alice owns the
	// parent so she holds admin rights there.
	_, err := f.resolver.Set(ctx, "alice", "/alice/projects", Patch{
		Grants: map[string]Level{"charlie": Commenter},
	})
	require.NoError(t, err)

	resolved, err := f.resolver.Resolve(ctx, "charlie", "/alice/projects/report")
	require.NoError(t, err)
	assert.Equal(t, Commenter, resolved.Level)
	assert.True(t, resolved.Inherited)
	assert.Equal(t, "/alice/projects", resolved.InheritedFrom)
	assert.False(t, resolved.Explicit)
}

// TestOwnershipNotInherited: the parent's owner resolves as ADMIN, not
// OWNER, on a child owned by someone else.
func TestOwnershipNotInherited(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/alice/docs", "alice", true, document.PublicNone)
	f.create(t, "/alice/docs/child", "bob", true, document.PublicNone)

	resolved, err := f.resolver.Resolve(ctx, "alice", "/alice/docs/child")
	require.NoError(t, err)
	assert.Equal(t, Admin, resolved.Level, "inherited ownership demotes to admin")
	assert.True(t, resolved.Inherited)

	// When alice owns the child too, the direct check wins with OWNER.
	f.create(t, "/alice/docs/own", "alice", true, document.PublicNone)
	resolved, err = f.resolver.Resolve(ctx, "alice", "/alice/docs/own")
	require.NoError(t, err)
	assert.Equal(t, Owner, resolved.Level)
	assert.True(t, resolved.Explicit)
	assert.False(t, resolved.Inherited)
}

func TestInheritanceDisabledStopsWalk(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/team", "alice", false, document.PublicNone)
	f.create(t, "/team/private", "alice", false, document.PublicNone)

	_, err := f.resolver.Set(ctx, "alice", "/team", Patch{
		Grants: map[string]Level{"bob": Editor},
	})
	require.NoError(t, err)

	resolved, err := f.resolver.Resolve(ctx, "bob", "/team/private")
	require.NoError(t, err)
	assert.Equal(t, None, resolved.Level, "inheritFromParent=false must stop the walk")
}

// TestInheritanceChain is the multi-hop property: a grant at the top
// of an inheriting chain is visible at the bottom.
func TestInheritanceChain(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/chain", "alice", false, document.PublicNone)
	path := "/chain"
	for i := 0; i < 5; i++ {
		path = fmt.Sprintf("%s/n%d", path, i)
		f.create(t, path, "alice", true, document.PublicNone)
	}

	_, err := f.resolver.Set(ctx, "alice", "/chain", Patch{
		Grants: map[string]Level{"uma": Editor},
	})
	require.NoError(t, err)

	resolved, err := f.resolver.Resolve(ctx, "uma", path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, resolved.Level, Editor)
	assert.True(t, resolved.Inherited)
	assert.Equal(t, "/chain", resolved.InheritedFrom)
}

func TestDepthBoundTruncatesWalk(t *testing.T) {
	f := newFixture(t, Config{MaxNestingDepth: 3})
	ctx := context.Background()

	// Build a chain that the resolver cannot legally walk to the top
	// of under the tightened bound used by a dedicated resolver.
	f.create(t, "/deep", "alice", false, document.PublicNone)
	path := "/deep"
	for i := 0; i < 3; i++ {
		path = fmt.Sprintf("%s/n%d", path, i)
		f.create(t, path, "alice", true, document.PublicNone)
	}

	tight := NewResolver(f.store, nil, Config{MaxNestingDepth: 2}, logr.Discard())
	_, err := f.resolver.Set(ctx, "alice", "/deep", Patch{
		Grants: map[string]Level{"walker": Viewer},
	})
	require.NoError(t, err)

	resolved, err := tight.Resolve(ctx, "walker", path)
	require.NoError(t, err)
	assert.Equal(t, None, resolved.Level, "walk past the depth bound must truncate to none")
}

func TestExplicitBeatsInherited(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/org", "alice", false, document.PublicNone)
	f.create(t, "/org/doc", "alice", true, document.PublicNone)

	_, err := f.resolver.Set(ctx, "alice", "/org", Patch{
		Grants: map[string]Level{"bob": Editor},
	})
	require.NoError(t, err)
	_, err = f.resolver.Set(ctx, "alice", "/org/doc", Patch{
		Grants: map[string]Level{"bob": Viewer},
	})
	require.NoError(t, err)

	resolved, err := f.resolver.Resolve(ctx, "bob", "/org/doc")
	require.NoError(t, err)
	assert.Equal(t, Viewer, resolved.Level, "closer explicit grant wins over farther inherited")
	assert.True(t, resolved.Explicit)
}

func TestPublicAccess(t *testing.T) {
	f := newFixture(t, Config{EnablePublicDocuments: true})
	ctx := context.Background()

	f.create(t, "/pub", "alice", false, document.PublicViewer)

	// Anonymous callers get the public level.
	resolved, err := f.resolver.Resolve(ctx, "", "/pub")
	require.NoError(t, err)
	assert.Equal(t, Viewer, resolved.Level)
	assert.True(t, resolved.PublicAccess)

	// Explicit list membership returns before public consideration.
	_, err = f.resolver.Set(ctx, "alice", "/pub", Patch{
		Grants: map[string]Level{"carol": Editor},
	})
	require.NoError(t, err)
	resolved, err = f.resolver.Resolve(ctx, "carol", "/pub")
	require.NoError(t, err)
	assert.Equal(t, Editor, resolved.Level)
	assert.True(t, resolved.Explicit)
	assert.False(t, resolved.PublicAccess)
}

func TestRoleListExclusivity(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/shared", "alice", false, document.PublicNone)

	for _, level := range []Level{Viewer, Editor, Commenter} {
		_, err := f.resolver.Set(ctx, "alice", "/shared", Patch{
			Grants: map[string]Level{"bob": level},
		})
		require.NoError(t, err)
	}

	perms, err := f.resolver.Get(ctx, "/shared")
	require.NoError(t, err)
	appearances := 0
	for _, list := range [][]string{perms.Editors, perms.Commenters, perms.Viewers} {
		for _, id := range list {
			if id == "bob" {
				appearances++
			}
		}
	}
	assert.Equal(t, 1, appearances, "a user appears in at most one role list")
	assert.Contains(t, perms.Commenters, "bob", "last grant wins")

	// Granting none removes the user everywhere.
	_, err = f.resolver.Set(ctx, "alice", "/shared", Patch{
		Grants: map[string]Level{"bob": None},
	})
	require.NoError(t, err)
	perms, err = f.resolver.Get(ctx, "/shared")
	require.NoError(t, err)
	assert.Zero(t, perms.CollaboratorCount())
}

func TestSetRequiresAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/guarded", "alice", false, document.PublicNone)
	_, err := f.resolver.Set(ctx, "alice", "/guarded", Patch{
		Grants: map[string]Level{"bob": Editor},
	})
	require.NoError(t, err)

	_, err = f.resolver.Set(ctx, "bob", "/guarded", Patch{
		Grants: map[string]Level{"mallory": Editor},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindPermissionDenied))

	// The owner's role cannot be altered through this surface.
	_, err = f.resolver.Set(ctx, "alice", "/guarded", Patch{
		Grants: map[string]Level{"alice": Viewer},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
}

func TestPublicDocumentsGate(t *testing.T) {
	f := newFixture(t, Config{EnablePublicDocuments: false})
	ctx := context.Background()

	f.create(t, "/nopub", "alice", false, document.PublicNone)
	public := document.PublicViewer
	_, err := f.resolver.Set(ctx, "alice", "/nopub", Patch{PublicAccess: &public})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
}

func TestCollaboratorCap(t *testing.T) {
	f := newFixture(t, Config{MaxCollaboratorsPerDoc: 2})
	ctx := context.Background()

	f.create(t, "/small", "alice", false, document.PublicNone)
	_, err := f.resolver.Set(ctx, "alice", "/small", Patch{
		Grants: map[string]Level{"u1": Viewer, "u2": Editor},
	})
	require.NoError(t, err)

	_, err = f.resolver.Set(ctx, "alice", "/small", Patch{
		Grants: map[string]Level{"u3": Viewer},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidInput))
}

func TestSystemAdminOverride(t *testing.T) {
	store, err := kvbolt.Open(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	docs := document.NewService(store, document.Config{}, logr.Discard())
	resolver := NewResolver(store,
		AdminCheckerFunc(func(_ context.Context, userID string) (bool, error) {
			return userID == "root", nil
		}),
		Config{}, logr.Discard())

	_, err = docs.Create(context.Background(), document.CreateRequest{Path: "/locked", OwnerID: "alice"})
	require.NoError(t, err)

	ok, err := resolver.Can(context.Background(), "root", ActionDelete, "/locked")
	require.NoError(t, err)
	assert.True(t, ok, "system admin short-circuits to allow")

	ok, err = resolver.Can(context.Background(), "mallory", ActionDelete, "/locked")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanActionTable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.create(t, "/table", "alice", false, document.PublicNone)
	_, err := f.resolver.Set(ctx, "alice", "/table", Patch{
		Grants: map[string]Level{"viewer": Viewer, "commenter": Commenter, "editor": Editor},
	})
	require.NoError(t, err)

	cases := []struct {
		user   string
		action Action
		want   bool
	}{
		{"viewer", ActionRead, true},
		{"viewer", ActionComment, false},
		{"commenter", ActionComment, true},
		{"commenter", ActionUpdate, false},
		{"editor", ActionUpdate, true},
		{"editor", ActionCollaborate, true},
		{"editor", ActionShare, false},
		{"alice", ActionShare, true},
		{"alice", ActionDelete, true},
		{"editor", ActionDelete, false},
	}
	for _, tc := range cases {
		got, err := f.resolver.Can(ctx, tc.user, tc.action, "/table")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %s", tc.user, tc.action)
	}
}

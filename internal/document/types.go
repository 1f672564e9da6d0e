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

package document

import (
	"time"

	"github.com/scribeworks/codex/internal/kv"
)

// Metadata describes a document, stored under
// ["documents","metadata",path].
type Metadata struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	OwnerID        string    `json:"ownerId"`
	ParentPath     string    `json:"parentPath,omitempty"`
	Depth          int       `json:"depth"`
	Title          string    `json:"title,omitempty"`
	Description    string    `json:"description,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Size           int64     `json:"size"`
	Version        int64     `json:"version"`
	IsPublic       bool      `json:"isPublic"`
	IsArchived     bool      `json:"isArchived"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// PublicAccess is the anonymous/public permission granted by a
// document. Values mirror permission levels below ADMIN.
type PublicAccess string

const (
	// PublicNone grants nothing to non-collaborators.
	PublicNone PublicAccess = "none"
	// PublicViewer lets anyone with the path read.
	PublicViewer PublicAccess = "viewer"
	// PublicCommenter lets anyone read and comment.
	PublicCommenter PublicAccess = "commenter"
	// PublicEditor lets anyone edit.
	PublicEditor PublicAccess = "editor"
)

// Valid reports whether p is a recognized public access value.
func (p PublicAccess) Valid() bool {
	switch p {
	case PublicNone, PublicViewer, PublicCommenter, PublicEditor:
		return true
	}
	return false
}

// Permissions is the ACL stored under ["documents","permissions",path].
// A user appears in at most one of the three role lists; Owner mirrors
// the metadata's OwnerID and cannot be changed through the permission
// surface.
type Permissions struct {
	Owner             string       `json:"owner"`
	Editors           []string     `json:"editors"`
	Commenters        []string     `json:"commenters"`
	Viewers           []string     `json:"viewers"`
	PublicAccess      PublicAccess `json:"publicAccess"`
	InheritFromParent bool         `json:"inheritFromParent"`
}

// CollaboratorCount counts users across the three role lists.
func (p *Permissions) CollaboratorCount() int {
	return len(p.Editors) + len(p.Commenters) + len(p.Viewers)
}

// Document key helpers defining the KV schema for this package.

// MetadataKey addresses a document's metadata record.
func MetadataKey(path string) kv.Key { return kv.K("documents", "metadata", path) }

// PermissionsKey addresses a document's ACL.
func PermissionsKey(path string) kv.Key { return kv.K("documents", "permissions", path) }

// StateKey addresses a document's opaque CRDT payload.
func StateKey(path string) kv.Key { return kv.K("documents", "yjs_state", path) }

// ChildrenKey addresses a document's child-name list.
func ChildrenKey(path string) kv.Key { return kv.K("documents", "children", path) }

// ByUserKey addresses a user's owned-path list.
func ByUserKey(userID string) kv.Key { return kv.K("documents", "by_user", userID) }

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
	"context"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/kv"
)

// Config bounds the document namespace.
type Config struct {
	// MaxNestingDepth caps Depth(path). Default 10.
	MaxNestingDepth int
	// MaxDocumentSize caps CRDT payload size in bytes. Zero means no cap.
	MaxDocumentSize int64
}

// DefaultConfig returns the standard namespace limits.
func DefaultConfig() Config {
	return Config{MaxNestingDepth: 10, MaxDocumentSize: 10 << 20}
}

// Service manages document metadata and its sibling keys.
type Service struct {
	store kv.Store
	cfg   Config
	log   logr.Logger
}

// NewService wires the document service to the KV store.
func NewService(store kv.Store, cfg Config, log logr.Logger) *Service {
	if cfg.MaxNestingDepth <= 0 {
		cfg.MaxNestingDepth = DefaultConfig().MaxNestingDepth
	}
	return &Service{store: store, cfg: cfg, log: log.WithName("documents")}
}

// CreateRequest carries the fields for document creation.
type CreateRequest struct {
	Path              string
	OwnerID           string
	Title             string
	Description       string
	Tags              []string
	InheritFromParent *bool // nil means inherit (the default)
	PublicAccess      PublicAccess
}

// Create normalizes the path, verifies depth and parent linkage, and
// writes metadata, permissions, children list, and the owner index in
// one atomic operation conditioned on the path being free.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Metadata, error) {
	path, err := NormalizePath(req.Path)
	if err != nil {
		return nil, err
	}
	if Depth(path) > s.cfg.MaxNestingDepth {
		return nil, apperr.Newf(apperr.KindMaxDepthExceeded,
			"path exceeds maximum nesting depth of %d", s.cfg.MaxNestingDepth)
	}

	// Ancestor paths are namespaces, not prerequisites: a document may
	// be created at any depth. The children list of the parent is
	// maintained only when the parent document actually exists.
	parent := ParentPath(path)
	linkParent := false
	if parent != "" {
		parentMeta, err := s.Get(ctx, parent)
		if err != nil {
			return nil, err
		}
		linkParent = parentMeta != nil
	}

	inherit := true
	if req.InheritFromParent != nil {
		inherit = *req.InheritFromParent
	}
	public := req.PublicAccess
	if public == "" {
		public = PublicNone
	}
	if !public.Valid() {
		return nil, apperr.New(apperr.KindInvalidInput, "invalid public access value")
	}

	now := time.Now()
	meta := &Metadata{
		ID:             uuid.New().String(),
		Name:           BaseName(path),
		Path:           path,
		OwnerID:        req.OwnerID,
		ParentPath:     parent,
		Depth:          Depth(path),
		Title:          req.Title,
		Description:    req.Description,
		Tags:           req.Tags,
		Version:        1,
		IsPublic:       public != PublicNone,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}
	perms := &Permissions{
		Owner:             req.OwnerID,
		Editors:           []string{},
		Commenters:        []string{},
		Viewers:           []string{},
		PublicAccess:      public,
		InheritFromParent: inherit,
	}

	ownedPaths, ownedVS, err := s.readStringList(ctx, ByUserKey(req.OwnerID))
	if err != nil {
		return nil, err
	}
	siblings, siblingsVS := []string(nil), ""
	if linkParent {
		siblings, siblingsVS, err = s.readStringList(ctx, ChildrenKey(parent))
		if err != nil {
			return nil, err
		}
	}

	op := s.store.Atomic().
		Check(MetadataKey(path), "").
		Set(MetadataKey(path), meta).
		Set(PermissionsKey(path), perms).
		Set(ChildrenKey(path), []any{}).
		Check(ByUserKey(req.OwnerID), ownedVS).
		Set(ByUserKey(req.OwnerID), toAnyList(appendUnique(ownedPaths, path)))
	if linkParent {
		op.Check(ChildrenKey(parent), siblingsVS).
			Set(ChildrenKey(parent), toAnyList(appendUnique(siblings, meta.Name)))
	}
	res, err := op.Commit(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "creating document", err)
	}
	if !res.OK {
		// Either the path was taken or a list moved under us. Report
		// the common cause; retries resolve the rare list race.
		return nil, apperr.New(apperr.KindDuplicateResource, "document already exists at this path")
	}

	s.log.Info("document created", "path", path, "owner", req.OwnerID)
	return meta, nil
}

// Get loads metadata for a normalized or raw path. Returns nil when absent.
func (s *Service) Get(ctx context.Context, rawPath string) (*Metadata, error) {
	path, err := NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	entry, err := s.store.Get(ctx, MetadataKey(path))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "reading document", err)
	}
	if entry == nil {
		return nil, nil
	}
	var meta Metadata
	if err := kv.Decode(entry.Value, &meta); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "decoding document", err)
	}
	return &meta, nil
}

// Require loads metadata, failing with NotFound when absent.
func (s *Service) Require(ctx context.Context, rawPath string) (*Metadata, error) {
	meta, err := s.Get(ctx, rawPath)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, apperr.New(apperr.KindNotFound, "document not found")
	}
	return meta, nil
}

// TouchAccess records a read on the document. Best-effort.
func (s *Service) TouchAccess(ctx context.Context, path string) {
	meta, err := s.Get(ctx, path)
	if err != nil || meta == nil {
		return
	}
	meta.LastAccessedAt = time.Now()
	if _, err := s.store.Set(ctx, MetadataKey(meta.Path), meta, kv.SetOptions{}); err != nil {
		s.log.Error(err, "recording document access", "path", meta.Path)
	}
}

// UpdateRequest carries a partial metadata update.
type UpdateRequest struct {
	Title       *string
	Description *string
	Tags        *[]string
	IsArchived  *bool
}

// Update applies the patch to the document's metadata.
func (s *Service) Update(ctx context.Context, rawPath string, req UpdateRequest) (*Metadata, error) {
	meta, err := s.Require(ctx, rawPath)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		meta.Title = *req.Title
	}
	if req.Description != nil {
		meta.Description = *req.Description
	}
	if req.Tags != nil {
		meta.Tags = *req.Tags
	}
	if req.IsArchived != nil {
		meta.IsArchived = *req.IsArchived
	}
	meta.UpdatedAt = time.Now()
	if _, err := s.store.Set(ctx, MetadataKey(meta.Path), meta, kv.SetOptions{}); err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "updating document", err)
	}
	return meta, nil
}

// SaveState writes the opaque CRDT payload and bumps the metadata's
// size and version. Called by the collaboration coordinator on save.
func (s *Service) SaveState(ctx context.Context, rawPath string, state []byte) error {
	if s.cfg.MaxDocumentSize > 0 && int64(len(state)) > s.cfg.MaxDocumentSize {
		return apperr.Newf(apperr.KindInvalidInput,
			"document exceeds maximum size of %d bytes", s.cfg.MaxDocumentSize)
	}
	meta, err := s.Require(ctx, rawPath)
	if err != nil {
		return err
	}
	meta.Size = int64(len(state))
	meta.Version++
	meta.UpdatedAt = time.Now()

	_, err = s.store.Atomic().
		Set(StateKey(meta.Path), state).
		Set(MetadataKey(meta.Path), meta).
		Commit(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "saving document state", err)
	}
	return nil
}

// LoadState reads the opaque CRDT payload. Returns nil when the
// document has never been saved.
func (s *Service) LoadState(ctx context.Context, rawPath string) ([]byte, error) {
	path, err := NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	entry, err := s.store.Get(ctx, StateKey(path))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBackend, "reading document state", err)
	}
	if entry == nil {
		return nil, nil
	}
	state, ok := entry.Value.([]byte)
	if !ok {
		return nil, apperr.New(apperr.KindBackend, "document state is not a byte payload")
	}
	return state, nil
}

// Children returns the child names recorded under the document.
func (s *Service) Children(ctx context.Context, rawPath string) ([]string, error) {
	path, err := NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}
	names, _, err := s.readStringList(ctx, ChildrenKey(path))
	return names, err
}

// OwnedPaths returns the paths owned by userID.
func (s *Service) OwnedPaths(ctx context.Context, userID string) ([]string, error) {
	paths, _, err := s.readStringList(ctx, ByUserKey(userID))
	return paths, err
}

// Delete removes the document's four sibling keys atomically, along
// with its entries in the parent's children list and the owner index.
// Documents with children cannot be deleted.
func (s *Service) Delete(ctx context.Context, rawPath string) error {
	meta, err := s.Require(ctx, rawPath)
	if err != nil {
		return err
	}
	children, _, err := s.readStringList(ctx, ChildrenKey(meta.Path))
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return apperr.New(apperr.KindInvalidInput, "document has children; delete them first")
	}

	ownedPaths, ownedVS, err := s.readStringList(ctx, ByUserKey(meta.OwnerID))
	if err != nil {
		return err
	}

	op := s.store.Atomic().
		Delete(MetadataKey(meta.Path)).
		Delete(PermissionsKey(meta.Path)).
		Delete(StateKey(meta.Path)).
		Delete(ChildrenKey(meta.Path)).
		Check(ByUserKey(meta.OwnerID), ownedVS).
		Set(ByUserKey(meta.OwnerID), toAnyList(remove(ownedPaths, meta.Path)))

	if meta.ParentPath != "" {
		siblings, siblingsVS, err := s.readStringList(ctx, ChildrenKey(meta.ParentPath))
		if err != nil {
			return err
		}
		op.Check(ChildrenKey(meta.ParentPath), siblingsVS).
			Set(ChildrenKey(meta.ParentPath), toAnyList(remove(siblings, meta.Name)))
	}

	res, err := op.Commit(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "deleting document", err)
	}
	if !res.OK {
		return apperr.New(apperr.KindBackend, "document changed concurrently; retry the delete")
	}
	s.log.Info("document deleted", "path", meta.Path)
	return nil
}

// TransferOwnership rewrites the metadata owner and the permission
// owner in one atomic operation. The previous owner keeps no implicit
// role on the document. Caller enforces OWNER-level authorization.
func (s *Service) TransferOwnership(ctx context.Context, rawPath, newOwnerID string) error {
	meta, err := s.Require(ctx, rawPath)
	if err != nil {
		return err
	}
	if meta.OwnerID == newOwnerID {
		return nil
	}
	permsEntry, err := s.store.Get(ctx, PermissionsKey(meta.Path))
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "reading permissions", err)
	}
	if permsEntry == nil {
		return apperr.New(apperr.KindBackend, "document permissions missing")
	}
	var perms Permissions
	if err := kv.Decode(permsEntry.Value, &perms); err != nil {
		return apperr.Wrap(apperr.KindBackend, "decoding permissions", err)
	}

	oldOwner := meta.OwnerID
	oldOwned, oldVS, err := s.readStringList(ctx, ByUserKey(oldOwner))
	if err != nil {
		return err
	}
	newOwned, newVS, err := s.readStringList(ctx, ByUserKey(newOwnerID))
	if err != nil {
		return err
	}

	metaEntry, err := s.store.Get(ctx, MetadataKey(meta.Path))
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "reading document", err)
	}
	if metaEntry == nil {
		return apperr.New(apperr.KindNotFound, "document not found")
	}

	meta.OwnerID = newOwnerID
	meta.UpdatedAt = time.Now()
	perms.Owner = newOwnerID
	// The new owner cannot simultaneously hold a lesser role.
	perms.Editors = remove(perms.Editors, newOwnerID)
	perms.Commenters = remove(perms.Commenters, newOwnerID)
	perms.Viewers = remove(perms.Viewers, newOwnerID)

	res, err := s.store.Atomic().
		Check(MetadataKey(meta.Path), metaEntry.Versionstamp).
		Check(PermissionsKey(meta.Path), permsEntry.Versionstamp).
		Set(MetadataKey(meta.Path), meta).
		Set(PermissionsKey(meta.Path), &perms).
		Check(ByUserKey(oldOwner), oldVS).
		Set(ByUserKey(oldOwner), toAnyList(remove(oldOwned, meta.Path))).
		Check(ByUserKey(newOwnerID), newVS).
		Set(ByUserKey(newOwnerID), toAnyList(appendUnique(newOwned, meta.Path))).
		Commit(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindBackend, "transferring ownership", err)
	}
	if !res.OK {
		return apperr.New(apperr.KindBackend, "document changed concurrently; retry the transfer")
	}
	s.log.Info("ownership transferred", "path", meta.Path, "from", oldOwner, "to", newOwnerID)
	return nil
}

// readStringList loads a list-of-strings value and its versionstamp.
// Absent keys yield an empty list and an empty versionstamp, which is
// exactly the form atomic absence checks expect.
func (s *Service) readStringList(ctx context.Context, key kv.Key) ([]string, string, error) {
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindBackend, "reading list", err)
	}
	if entry == nil {
		return nil, "", nil
	}
	items, ok := entry.Value.([]any)
	if !ok {
		return nil, "", apperr.New(apperr.KindBackend, "list value has unexpected shape")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, entry.Versionstamp, nil
}

func toAnyList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func appendUnique(list []string, item string) []string {
	if slices.Contains(list, item) {
		return list
	}
	return append(list, item)
}

func remove(list []string, item string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != item {
			out = append(out, s)
		}
	}
	return out
}

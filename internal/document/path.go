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

// Package document manages document metadata and the hierarchical
// path namespace. A document owns four sibling KV keys — metadata,
// permissions, CRDT state, and its children list. Metadata,
// permissions and the children list are created together; the CRDT
// state is written on the first save. All four are deleted together.
package document

import (
	"strings"

	"github.com/scribeworks/codex/internal/apperr"
)

// NormalizePath canonicalizes a document path: leading slash, single
// internal separators, no trailing separator. Empty or dot segments
// are rejected rather than cleaned away, so two spellings of the same
// path cannot address different documents.
func NormalizePath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "/" {
		return "", apperr.New(apperr.KindInvalidPath, "path must name a document")
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")

	segments := strings.Split(trimmed, "/")
	for _, seg := range segments {
		if seg == "" {
			return "", apperr.New(apperr.KindInvalidPath, "path has an empty segment")
		}
		if seg == "." || seg == ".." {
			return "", apperr.New(apperr.KindInvalidPath, "path segments '.' and '..' are not allowed")
		}
		if strings.ContainsAny(seg, "\x00\n\r") {
			return "", apperr.New(apperr.KindInvalidPath, "path contains control characters")
		}
	}
	return "/" + strings.Join(segments, "/"), nil
}

// ParentPath returns the path of all segments but the last, or ""
// when path sits at the root of the namespace.
func ParentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// Depth is the segment count minus one: "/a" is 0, "/a/b" is 1.
func Depth(path string) int {
	return strings.Count(path, "/") - 1
}

// BaseName returns the last segment of the path.
func BaseName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

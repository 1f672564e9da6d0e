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
	"testing"

	"github.com/scribeworks/codex/internal/apperr"
)

func TestNormalizePath(t *testing.T) {
	valid := map[string]string{
		"/alice/projects":  "/alice/projects",
		"alice/projects":   "/alice/projects",
		"/alice/projects/": "/alice/projects",
		"alice":            "/alice",
		" /a/b ":           "/a/b",
	}
	for in, want := range valid {
		got, err := NormalizePath(in)
		if err != nil {
			t.Errorf("NormalizePath(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}

	invalid := []string{"", "/", "//", "/a//b", "/a/./b", "/a/../b", "/a/b\x00c"}
	for _, in := range invalid {
		if _, err := NormalizePath(in); err == nil {
			t.Errorf("NormalizePath(%q) accepted", in)
		} else if !apperr.IsKind(err, apperr.KindInvalidPath) {
			t.Errorf("NormalizePath(%q) error kind = %v", in, err)
		}
	}
}

func TestParentPathAndDepth(t *testing.T) {
	cases := []struct {
		path   string
		parent string
		depth  int
		base   string
	}{
		{"/a", "", 0, "a"},
		{"/a/b", "/a", 1, "b"},
		{"/a/b/c", "/a/b", 2, "c"},
	}
	for _, tc := range cases {
		if got := ParentPath(tc.path); got != tc.parent {
			t.Errorf("ParentPath(%q) = %q, want %q", tc.path, got, tc.parent)
		}
		if got := Depth(tc.path); got != tc.depth {
			t.Errorf("Depth(%q) = %d, want %d", tc.path, got, tc.depth)
		}
		if got := BaseName(tc.path); got != tc.base {
			t.Errorf("BaseName(%q) = %q, want %q", tc.path, got, tc.base)
		}
	}
}

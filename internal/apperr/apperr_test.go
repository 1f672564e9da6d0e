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

package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "user not found")
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindBackend {
		t.Error("unkinded errors should default to backend")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindDuplicateResource, "username taken")
	wrapped := fmt.Errorf("registering: %w", inner)
	if !IsKind(wrapped, KindDuplicateResource) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, KindNotFound) {
		t.Error("wrong kind matched")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindBackend, "reading user", cause)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}

func TestNilKindChecks(t *testing.T) {
	if IsKind(nil, KindBackend) {
		t.Error("nil error matched a kind")
	}
}

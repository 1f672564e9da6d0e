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

package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func TestApplyAndSnapshot(t *testing.T) {
	replica, err := NewUpdateLog(nil)
	if err != nil {
		t.Fatal(err)
	}
	updates := [][]byte{{0x01}, {0x02, 0x03}, bytes.Repeat([]byte{0xAB}, 300)}
	for _, u := range updates {
		if err := replica.ApplyUpdate(u); err != nil {
			t.Fatal(err)
		}
	}

	snapshot := replica.Snapshot()
	decoded, err := Updates(snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(updates) {
		t.Fatalf("decoded %d updates, want %d", len(decoded), len(updates))
	}
	for i := range updates {
		if !bytes.Equal(decoded[i], updates[i]) {
			t.Errorf("update %d changed: %x -> %x", i, updates[i], decoded[i])
		}
	}
}

func TestSeedFromSnapshot(t *testing.T) {
	first, err := NewUpdateLog(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.ApplyUpdate([]byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	snapshot := first.Snapshot()

	second, err := NewUpdateLog(snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if err := second.ApplyUpdate([]byte{0x03}); err != nil {
		t.Fatal(err)
	}

	decoded, err := Updates(second.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d updates, want 2", len(decoded))
	}
}

func TestRejectsEmptyUpdate(t *testing.T) {
	replica, err := NewUpdateLog(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := replica.ApplyUpdate(nil); !errors.Is(err, ErrEmptyUpdate) {
		t.Errorf("ApplyUpdate(nil) = %v", err)
	}
}

func TestRejectsCorruptSnapshot(t *testing.T) {
	if _, err := NewUpdateLog([]byte{0xFF, 0x01}); !errors.Is(err, ErrCorruptSnapshot) {
		t.Errorf("corrupt snapshot accepted: %v", err)
	}
	if _, err := Updates([]byte{0x05, 0x01}); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	replica, err := NewUpdateLog(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := replica.ApplyUpdate([]byte{0x01}); err != nil {
		t.Fatal(err)
	}
	snapshot := replica.Snapshot()
	snapshot[0] = 0xFF
	if replica.Snapshot()[0] == 0xFF {
		t.Error("snapshot aliases replica state")
	}
}

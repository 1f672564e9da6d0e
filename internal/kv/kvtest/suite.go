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

// Package kvtest is the backend-agnostic contract suite. Every
// kv.Store implementation runs the same tests through Run, so the
// embedded and relational backends cannot drift apart on semantics.
package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/scribeworks/codex/internal/kv"
)

// Factory opens a fresh empty store for one test. The suite closes it.
type Factory func(t *testing.T) kv.Store

// Run executes the full contract suite against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Run("SetGetRoundTrip", func(t *testing.T) { testSetGet(t, open(t)) })
	t.Run("VersionstampsAdvance", func(t *testing.T) { testVersionstamps(t, open(t)) })
	t.Run("GetManyPreservesOrder", func(t *testing.T) { testGetMany(t, open(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("ExpiryHidesEntries", func(t *testing.T) { testExpiry(t, open(t)) })
	t.Run("PrefixListOrder", func(t *testing.T) { testPrefixList(t, open(t)) })
	t.Run("CursorResumption", func(t *testing.T) { testCursor(t, open(t)) })
	t.Run("ReverseList", func(t *testing.T) { testReverse(t, open(t)) })
	t.Run("RangeList", func(t *testing.T) { testRange(t, open(t)) })
	t.Run("AtomicCheckCollision", func(t *testing.T) { testAtomicCollision(t, open(t)) })
	t.Run("AtomicMultiKey", func(t *testing.T) { testAtomicMultiKey(t, open(t)) })
	t.Run("AtomicAbsenceCheck", func(t *testing.T) { testAtomicAbsence(t, open(t)) })
	t.Run("Sum", func(t *testing.T) { testSum(t, open(t)) })
}

func closeStore(t *testing.T, store kv.Store) {
	t.Helper()
	if err := store.Close(); err != nil {
		t.Errorf("closing store: %v", err)
	}
}

func mustSet(t *testing.T, store kv.Store, key kv.Key, value kv.Value) kv.CommitResult {
	t.Helper()
	res, err := store.Set(context.Background(), key, value, kv.SetOptions{})
	if err != nil {
		t.Fatalf("Set(%s): %v", key, err)
	}
	if !res.OK || res.Versionstamp == "" {
		t.Fatalf("Set(%s) result = %+v", key, res)
	}
	return res
}

func testSetGet(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	key := kv.K("users", "by_id", "u-1")
	value := map[string]any{"name": "alice", "active": true, "logins": int64(3)}
	res := mustSet(t, store, key, value)

	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("entry missing after set")
	}
	if !entry.Key.Equal(key) {
		t.Errorf("key = %s, want %s", entry.Key, key)
	}
	if entry.Versionstamp != res.Versionstamp {
		t.Errorf("versionstamp = %q, want %q", entry.Versionstamp, res.Versionstamp)
	}
	got, ok := entry.Value.(map[string]any)
	if !ok {
		t.Fatalf("value type %T", entry.Value)
	}
	if got["name"] != "alice" || got["active"] != true || got["logins"] != int64(3) {
		t.Errorf("value = %#v", got)
	}

	missing, err := store.Get(ctx, kv.K("users", "by_id", "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("absent key returned %+v", missing)
	}
}

func testVersionstamps(t *testing.T, store kv.Store) {
	defer closeStore(t, store)

	key := kv.K("config", "x")
	var prev string
	for i := 0; i < 5; i++ {
		res := mustSet(t, store, key, int64(i))
		if res.Versionstamp <= prev {
			t.Fatalf("versionstamp %q not greater than previous %q", res.Versionstamp, prev)
		}
		prev = res.Versionstamp
	}
}

func testGetMany(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	mustSet(t, store, kv.K("m", 1), "one")
	mustSet(t, store, kv.K("m", 3), "three")

	entries, err := store.GetMany(ctx, []kv.Key{kv.K("m", 3), kv.K("m", 2), kv.K("m", 1)})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0] == nil || entries[0].Value != "three" {
		t.Errorf("slot 0 = %+v", entries[0])
	}
	if entries[1] != nil {
		t.Errorf("slot 1 should be nil, got %+v", entries[1])
	}
	if entries[2] == nil || entries[2].Value != "one" {
		t.Errorf("slot 2 = %+v", entries[2])
	}
}

func testDelete(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	key := kv.K("d", "gone")
	mustSet(t, store, key, "v")
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Error("entry survived delete")
	}
	// Deleting again must not fail.
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func testExpiry(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	key := kv.K("ttl", "short")
	if _, err := store.Set(ctx, key, "v", kv.SetOptions{ExpireIn: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("entry invisible before expiry")
	}

	time.Sleep(120 * time.Millisecond)

	entry, err = store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Error("expired entry visible in Get")
	}

	it, err := store.List(ctx, kv.Selector{Prefix: kv.K("ttl")}, kv.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if it.Next() {
		t.Errorf("expired entry visible in List: %s", it.Entry().Key)
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}

	// Expired entries are freely overwritable.
	mustSet(t, store, key, "fresh")
	entry, err = store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Value != "fresh" {
		t.Errorf("overwrite of expired entry failed: %+v", entry)
	}
}

func testPrefixList(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	mustSet(t, store, kv.K("p", "b"), "pb")
	mustSet(t, store, kv.K("p", "a"), "pa")
	mustSet(t, store, kv.K("p", "a", "x"), "pax")
	mustSet(t, store, kv.K("p", 5), "p5")
	mustSet(t, store, kv.K("q", "a"), "qa") // outside the prefix
	mustSet(t, store, kv.K("p"), "bare")    // the prefix key itself is excluded

	it, err := store.List(ctx, kv.Selector{Prefix: kv.K("p")}, kv.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var got []string
	prev := kv.Key(nil)
	for it.Next() {
		e := it.Entry()
		if !e.Key.HasPrefix(kv.K("p")) {
			t.Errorf("yielded key %s outside prefix", e.Key)
		}
		if prev != nil && prev.Compare(e.Key) >= 0 {
			t.Errorf("order violation: %s then %s", prev, e.Key)
		}
		prev = e.Key
		got = append(got, e.Value.(string))
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	want := []string{"pa", "pax", "pb", "p5"}
	if len(got) != len(want) {
		t.Fatalf("yielded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("yielded %v, want %v", got, want)
		}
	}
}

// testCursor is the 250-entry pagination scenario: three limit-100
// pages terminate with 100, 100, and 50 entries.
func testCursor(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	for i := 1; i <= 250; i++ {
		mustSet(t, store, kv.K("k", i), int64(i))
	}

	var cursor string
	next := int64(1)
	for page := 0; page < 3; page++ {
		it, err := store.List(ctx, kv.Selector{Prefix: kv.K("k")}, kv.ListOptions{Limit: 100, Cursor: cursor})
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		for it.Next() {
			e := it.Entry()
			if e.Value != next {
				t.Fatalf("page %d: got %v, want %d", page, e.Value, next)
			}
			next++
			count++
		}
		if err := it.Err(); err != nil {
			t.Fatal(err)
		}
		cursor = it.Cursor()
		_ = it.Close()

		wantCount := 100
		if page == 2 {
			wantCount = 50
		}
		if count != wantCount {
			t.Fatalf("page %d yielded %d entries, want %d", page, count, wantCount)
		}
	}

	it, err := store.List(ctx, kv.Selector{Prefix: kv.K("k")}, kv.ListOptions{Limit: 100, Cursor: cursor})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()
	if it.Next() {
		t.Errorf("entries after final page: %s", it.Entry().Key)
	}
}

func testReverse(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		mustSet(t, store, kv.K("r", i), int64(i))
	}

	it, err := store.List(ctx, kv.Selector{Prefix: kv.K("r")}, kv.ListOptions{Reverse: true})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	want := int64(5)
	for it.Next() {
		if it.Entry().Value != want {
			t.Fatalf("reverse got %v, want %d", it.Entry().Value, want)
		}
		want--
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if want != 0 {
		t.Errorf("reverse yielded %d entries, want 5", 5-int(want))
	}
}

func testRange(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	for i := 1; i <= 9; i++ {
		mustSet(t, store, kv.K("rg", i), int64(i))
	}

	it, err := store.List(ctx, kv.Selector{Start: kv.K("rg", 3), End: kv.K("rg", 7)}, kv.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var got []int64
	for it.Next() {
		got = append(got, it.Entry().Value.(int64))
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0] != 3 || got[3] != 6 {
		t.Errorf("range yielded %v, want [3 4 5 6]", got)
	}
}

// testAtomicCollision is the check-collision scenario: a concurrent
// write invalidates the first writer's versionstamp check.
func testAtomicCollision(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	key := kv.K("config", "x")
	first := mustSet(t, store, key, "original")

	// Another writer slips in.
	mustSet(t, store, key, "interloper")

	res, err := store.Atomic().
		Check(key, first.Versionstamp).
		Set(key, "stale write").
		Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("commit with stale check succeeded")
	}

	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Value != "interloper" {
		t.Errorf("failed commit mutated state: %+v", entry)
	}
}

func testAtomicMultiKey(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	a, b := kv.K("tx", "a"), kv.K("tx", "b")
	res, err := store.Atomic().
		Check(a, "").
		Check(b, "").
		Set(a, "va").
		Set(b, "vb").
		Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("commit against absent keys failed")
	}

	entries, err := store.GetMany(ctx, []kv.Key{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if entries[0] == nil || entries[1] == nil {
		t.Fatal("atomic write applied partially")
	}
	if entries[0].Versionstamp != entries[1].Versionstamp {
		t.Errorf("one transaction produced two versionstamps: %q vs %q",
			entries[0].Versionstamp, entries[1].Versionstamp)
	}
}

func testAtomicAbsence(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	key := kv.K("tx", "present")
	mustSet(t, store, key, "v")

	res, err := store.Atomic().
		Check(key, "").
		Set(key, "should not apply").
		Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("absence check passed on a present key")
	}
}

func testSum(t *testing.T, store kv.Store) {
	defer closeStore(t, store)
	ctx := context.Background()

	key := kv.K("counters", "visits")
	for i := 0; i < 3; i++ {
		res, err := store.Atomic().Sum(key, 10).Commit(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !res.OK {
			t.Fatal("sum commit failed")
		}
	}

	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("counter missing")
	}
	if entry.Value != kv.Uint64(30) {
		t.Errorf("counter = %v, want 30", entry.Value)
	}
}

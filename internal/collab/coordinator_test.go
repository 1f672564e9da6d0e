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

package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/auth"
	"github.com/scribeworks/codex/internal/collab/crdt"
	"github.com/scribeworks/codex/internal/permission"
)

type fakeSessions struct {
	tokens map[string]string // token -> userID
}

func (f *fakeSessions) Resolve(_ context.Context, token string) (*auth.Session, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return nil, nil
	}
	return &auth.Session{ID: token, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSessions) Touch(context.Context, string) error { return nil }

type fakePerms struct {
	levels map[string]permission.Level // userID -> level
}

func (f *fakePerms) Resolve(_ context.Context, userID, _ string) (permission.Resolved, error) {
	return permission.Resolved{Level: f.levels[userID]}, nil
}

type fakeDocs struct {
	mu       sync.Mutex
	states   map[string][]byte
	saves    int
	failures int // fail this many saves before succeeding
}

func (f *fakeDocs) LoadState(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[path], nil
}

func (f *fakeDocs) SaveState(_ context.Context, path string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transient backend fault")
	}
	if f.states == nil {
		f.states = make(map[string][]byte)
	}
	f.states[path] = append([]byte(nil), state...)
	f.saves++
	return nil
}

func (f *fakeDocs) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeDocs) state(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[path]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SaveDebounce = 30 * time.Millisecond
	cfg.SaveRetryCeiling = 2 * time.Second
	cfg.SendQueueSize = 16
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, docs *fakeDocs) *Coordinator {
	t.Helper()
	sessions := &fakeSessions{tokens: map[string]string{
		"tok-editor":  "editor",
		"tok-editor2": "editor2",
		"tok-viewer":  "viewer",
	}}
	perms := &fakePerms{levels: map[string]permission.Level{
		"editor":  permission.Editor,
		"editor2": permission.Editor,
		"viewer":  permission.Viewer,
	}}
	return NewCoordinator(cfg, sessions, perms, docs, logr.Discard())
}

// drainFrame reads one frame from the client's outbound queue.
func drainFrame(t *testing.T, c *Client) (MessageType, []byte) {
	t.Helper()
	select {
	case frame := <-c.Outbound():
		msgType, payload, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("decoding outbound frame: %v", err)
		}
		return msgType, payload
	case <-time.After(time.Second):
		t.Fatal("no outbound frame within a second")
		return 0, nil
	}
}

func TestJoinAuthAndPermission(t *testing.T) {
	docs := &fakeDocs{}
	co := newTestCoordinator(t, testConfig(), docs)
	ctx := context.Background()

	_, err := co.Join(ctx, "doc:/alice/report", "unknown-token")
	if !apperr.IsKind(err, apperr.KindAuthenticationRequired) {
		t.Errorf("unknown token: %v", err)
	}

	_, err = co.Join(ctx, "doc:/alice/report", "")
	if !apperr.IsKind(err, apperr.KindAuthenticationRequired) {
		t.Errorf("anonymous join on private doc: %v", err)
	}

	client, err := co.Join(ctx, "doc:/alice/report", "tok-viewer")
	if err != nil {
		t.Fatal(err)
	}
	defer co.Leave(ctx, client)

	msgType, _ := drainFrame(t, client)
	if msgType != MessageSync {
		t.Errorf("first frame = %s, want sync", msgType)
	}
}

func TestUpdateFanoutExcludesSender(t *testing.T) {
	docs := &fakeDocs{}
	co := newTestCoordinator(t, testConfig(), docs)
	ctx := context.Background()

	a, err := co.Join(ctx, "doc:/shared", "tok-editor")
	if err != nil {
		t.Fatal(err)
	}
	b, err := co.Join(ctx, "doc:/shared", "tok-editor2")
	if err != nil {
		t.Fatal(err)
	}
	v, err := co.Join(ctx, "doc:/shared", "tok-viewer")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		co.Leave(ctx, a)
		co.Leave(ctx, b)
		co.Leave(ctx, v)
	}()
	drainFrame(t, a)
	drainFrame(t, b)
	drainFrame(t, v)

	update := []byte{0xAA, 0xBB}
	if err := co.HandleFrame(ctx, a, EncodeFrame(MessageUpdate, update)); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*Client{b, v} {
		msgType, payload := drainFrame(t, c)
		if msgType != MessageUpdate || string(payload) != string(update) {
			t.Errorf("receiver got %s %x", msgType, payload)
		}
	}
	select {
	case frame := <-a.Outbound():
		t.Errorf("sender received its own update: %x", frame)
	default:
	}
}

func TestViewerCannotWrite(t *testing.T) {
	docs := &fakeDocs{}
	co := newTestCoordinator(t, testConfig(), docs)
	ctx := context.Background()

	v, err := co.Join(ctx, "doc:/shared", "tok-viewer")
	if err != nil {
		t.Fatal(err)
	}
	drainFrame(t, v)

	err = co.HandleFrame(ctx, v, EncodeFrame(MessageUpdate, []byte{0x01}))
	if !apperr.IsKind(err, apperr.KindPermissionDenied) {
		t.Errorf("viewer update: %v", err)
	}
	if v.CloseReason() != CloseReasonPolicy {
		t.Errorf("close reason = %q", v.CloseReason())
	}
}

func TestDebouncedSaveCoalesces(t *testing.T) {
	docs := &fakeDocs{}
	cfg := testConfig()
	co := newTestCoordinator(t, cfg, docs)
	ctx := context.Background()

	c, err := co.Join(ctx, "doc:/note", "tok-editor")
	if err != nil {
		t.Fatal(err)
	}
	drainFrame(t, c)

	for i := 0; i < 3; i++ {
		if err := co.HandleFrame(ctx, c, EncodeFrame(MessageUpdate, []byte{byte(i + 1)})); err != nil {
			t.Fatal(err)
		}
	}
	if docs.saveCount() != 0 {
		t.Error("save fired before the debounce window")
	}

	time.Sleep(4 * cfg.SaveDebounce)

	if got := docs.saveCount(); got != 1 {
		t.Errorf("saves = %d, want 1 coalesced save", got)
	}
	updates, err := crdt.Updates(docs.state("/note"))
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 3 {
		t.Errorf("persisted %d updates, want 3", len(updates))
	}

	room := c.Room()
	if room.Dirty() {
		t.Error("room still dirty after successful save")
	}
	co.Leave(ctx, c)
}

func TestRoomStaysDirtyUntilSaveSucceeds(t *testing.T) {
	docs := &fakeDocs{failures: 2}
	cfg := testConfig()
	co := newTestCoordinator(t, cfg, docs)
	ctx := context.Background()

	c, err := co.Join(ctx, "doc:/flaky", "tok-editor")
	if err != nil {
		t.Fatal(err)
	}
	drainFrame(t, c)

	if err := co.HandleFrame(ctx, c, EncodeFrame(MessageUpdate, []byte{0x01})); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for docs.saveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if docs.saveCount() != 1 {
		t.Fatalf("save never succeeded: %d", docs.saveCount())
	}
	if c.Room().Dirty() {
		t.Error("room dirty after eventual success")
	}
	co.Leave(ctx, c)
}

func TestEvictionFlushesAndReloads(t *testing.T) {
	docs := &fakeDocs{}
	cfg := testConfig()
	cfg.SaveDebounce = time.Hour // ensure only the eviction flush can save
	co := newTestCoordinator(t, cfg, docs)
	ctx := context.Background()

	c, err := co.Join(ctx, "doc:/evict", "tok-editor")
	if err != nil {
		t.Fatal(err)
	}
	drainFrame(t, c)

	if err := co.HandleFrame(ctx, c, EncodeFrame(MessageUpdate, []byte{0x42})); err != nil {
		t.Fatal(err)
	}
	co.Leave(ctx, c)

	if docs.saveCount() != 1 {
		t.Fatalf("eviction did not flush: saves = %d", docs.saveCount())
	}

	// A fresh join reloads the persisted state.
	c2, err := co.Join(ctx, "doc:/evict", "tok-editor2")
	if err != nil {
		t.Fatal(err)
	}
	defer co.Leave(ctx, c2)
	msgType, payload := drainFrame(t, c2)
	if msgType != MessageSync {
		t.Fatalf("first frame = %s", msgType)
	}
	updates, err := crdt.Updates(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0][0] != 0x42 {
		t.Errorf("reloaded state = %x", payload)
	}
}

func TestSlowConsumerIsClosedAlone(t *testing.T) {
	docs := &fakeDocs{}
	cfg := testConfig()
	cfg.SendQueueSize = 1
	co := newTestCoordinator(t, cfg, docs)
	ctx := context.Background()

	sender, err := co.Join(ctx, "doc:/busy", "tok-editor")
	if err != nil {
		t.Fatal(err)
	}
	slow, err := co.Join(ctx, "doc:/busy", "tok-viewer")
	if err != nil {
		t.Fatal(err)
	}
	healthy, err := co.Join(ctx, "doc:/busy", "tok-editor2")
	if err != nil {
		t.Fatal(err)
	}
	drainFrame(t, sender)
	drainFrame(t, healthy)
	// The slow client never drains: its queue holds the initial sync.

	// One update: slow's queue is already full, so it overflows
	// immediately.
	if err := co.HandleFrame(ctx, sender, EncodeFrame(MessageUpdate, []byte{0x01})); err != nil {
		t.Fatal(err)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow consumer not closed")
	}
	if slow.CloseReason() != CloseReasonQueueOverflow {
		t.Errorf("close reason = %q", slow.CloseReason())
	}

	// The healthy receiver still got the update.
	msgType, _ := drainFrame(t, healthy)
	if msgType != MessageUpdate {
		t.Errorf("healthy receiver got %s", msgType)
	}
	select {
	case <-healthy.Done():
		t.Error("healthy consumer was closed")
	default:
	}

	co.Leave(ctx, sender)
	co.Leave(ctx, slow)
	co.Leave(ctx, healthy)
}

func TestAwarenessIsRelayedNotPersisted(t *testing.T) {
	docs := &fakeDocs{}
	co := newTestCoordinator(t, testConfig(), docs)
	ctx := context.Background()

	a, err := co.Join(ctx, "doc:/aware", "tok-editor")
	if err != nil {
		t.Fatal(err)
	}
	b, err := co.Join(ctx, "doc:/aware", "tok-viewer")
	if err != nil {
		t.Fatal(err)
	}
	drainFrame(t, a)
	drainFrame(t, b)

	presence := []byte{0x10, 0x20}
	if err := co.HandleFrame(ctx, a, EncodeFrame(MessageAwareness, presence)); err != nil {
		t.Fatal(err)
	}

	msgType, payload := drainFrame(t, b)
	if msgType != MessageAwareness || string(payload) != string(presence) {
		t.Errorf("got %s %x", msgType, payload)
	}
	if a.Room().Dirty() {
		t.Error("awareness marked the room dirty")
	}

	co.Leave(ctx, a)
	co.Leave(ctx, b)
	if docs.saveCount() != 0 {
		t.Error("awareness was persisted")
	}
}

func TestStatelessForwarding(t *testing.T) {
	docs := &fakeDocs{}
	var handled [][]byte
	var mu sync.Mutex
	cfg := testConfig()

	sessions := &fakeSessions{tokens: map[string]string{"tok-editor": "editor", "tok-viewer": "viewer"}}
	perms := &fakePerms{levels: map[string]permission.Level{"editor": permission.Editor, "viewer": permission.Viewer}}
	co := NewCoordinator(cfg, sessions, perms, docs, logr.Discard(),
		WithStatelessHandler(func(_ *Client, payload []byte) {
			mu.Lock()
			handled = append(handled, payload)
			mu.Unlock()
		}))
	ctx := context.Background()

	a, err := co.Join(ctx, "doc:/chat", "tok-editor")
	if err != nil {
		t.Fatal(err)
	}
	b, err := co.Join(ctx, "doc:/chat", "tok-viewer")
	if err != nil {
		t.Fatal(err)
	}
	drainFrame(t, a)
	drainFrame(t, b)

	body := []byte(`{"type":"hello"}`)
	if err := co.HandleFrame(ctx, a, EncodeFrame(MessageStateless, body)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	if len(handled) != 1 || string(handled[0]) != string(body) {
		t.Errorf("handler got %v", handled)
	}
	mu.Unlock()

	msgType, payload := drainFrame(t, b)
	if msgType != MessageStateless || string(payload) != string(body) {
		t.Errorf("peer got %s %s", msgType, payload)
	}

	// Invalid JSON is a protocol violation.
	err = co.HandleFrame(ctx, a, EncodeFrame(MessageStateless, []byte("{broken")))
	if err == nil {
		t.Error("invalid stateless JSON accepted")
	}

	co.Leave(ctx, a)
	co.Leave(ctx, b)
}

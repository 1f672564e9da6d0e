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
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/auth"
	"github.com/scribeworks/codex/internal/collab/crdt"
	"github.com/scribeworks/codex/internal/document"
	"github.com/scribeworks/codex/internal/permission"
)

// Config tunes the coordinator and its websocket server.
type Config struct {
	// SaveDebounce is the coalescing window for room persistence.
	SaveDebounce time.Duration
	// SaveRetryCeiling caps the exponential backoff of a failing save.
	SaveRetryCeiling time.Duration
	// SendQueueSize bounds each connection's outbound queue.
	SendQueueSize int
	// SyncTimeout bounds the wait for the authentication frame on a
	// new connection. The initial sync is enqueued without a timeout.
	SyncTimeout time.Duration
	// MaxMessageSize bounds a single inbound frame.
	MaxMessageSize int64
	// ReadBufferSize is the websocket read buffer size.
	ReadBufferSize int
	// WriteBufferSize is the websocket write buffer size.
	WriteBufferSize int
	// PingInterval is how often to ping idle connections.
	PingInterval time.Duration
	// PongTimeout is how long to wait for a pong before giving up.
	PongTimeout time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the standard coordinator tuning.
func DefaultConfig() Config {
	return Config{
		SaveDebounce:     2 * time.Second,
		SaveRetryCeiling: 30 * time.Second,
		SendQueueSize:    64,
		SyncTimeout:      15 * time.Second,
		MaxMessageSize:   1 << 20,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// SessionResolver maps a token to a live session. Implemented by the
// auth session store.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (*auth.Session, error)
	Touch(ctx context.Context, token string) error
}

// PermissionResolver answers level questions. Implemented by the
// permission resolver.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID, path string) (permission.Resolved, error)
}

// DocumentStore loads and saves CRDT payloads. Implemented by the
// document service.
type DocumentStore interface {
	LoadState(ctx context.Context, path string) ([]byte, error)
	SaveState(ctx context.Context, path string, state []byte) error
}

// StatelessHandler receives out-of-band JSON messages from clients.
type StatelessHandler func(client *Client, payload []byte)

// Coordinator owns the room registry and runs the collaboration
// protocol for every connection.
type Coordinator struct {
	cfg       Config
	sessions  SessionResolver
	resolver  PermissionResolver
	documents DocumentStore
	factory   crdt.Factory
	metrics   Metrics
	log       logr.Logger
	stateless StatelessHandler

	registry registry
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithMetrics sets the metrics implementation.
func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithReplicaFactory overrides the CRDT replica factory.
func WithReplicaFactory(f crdt.Factory) CoordinatorOption {
	return func(c *Coordinator) { c.factory = f }
}

// WithStatelessHandler registers the receiver for stateless messages.
func WithStatelessHandler(h StatelessHandler) CoordinatorOption {
	return func(c *Coordinator) { c.stateless = h }
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(cfg Config, sessions SessionResolver, resolver PermissionResolver,
	documents DocumentStore, log logr.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		sessions:  sessions,
		resolver:  resolver,
		documents: documents,
		factory:   crdt.NewUpdateLog,
		metrics:   NoOpMetrics{},
		log:       log.WithName("collab"),
	}
	c.registry.slots = make(map[string]*roomSlot)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join authenticates the token, authorizes at least viewer access on
// the room's document, attaches a new client to the room (loading it
// on first join), and queues the initial sync frame.
func (c *Coordinator) Join(ctx context.Context, roomName, token string) (*Client, error) {
	rawPath, ok := PathFromRoomName(roomName)
	if !ok {
		return nil, apperr.New(apperr.KindInvalidPath, "room name does not identify a document")
	}
	path, err := document.NormalizePath(rawPath)
	if err != nil {
		return nil, err
	}

	userID := ""
	if token != "" {
		session, err := c.sessions.Resolve(ctx, token)
		if err != nil {
			return nil, err
		}
		if session == nil {
			return nil, apperr.New(apperr.KindAuthenticationRequired, "session is invalid or expired")
		}
		userID = session.UserID
		if err := c.sessions.Touch(ctx, token); err != nil {
			c.log.Error(err, "recording session activity")
		}
	}

	resolved, err := c.resolver.Resolve(ctx, userID, path)
	if err != nil {
		return nil, err
	}
	if resolved.Level < permission.Viewer {
		if userID == "" {
			return nil, apperr.New(apperr.KindAuthenticationRequired, "authentication required")
		}
		return nil, apperr.New(apperr.KindPermissionDenied, "viewing this document requires access")
	}

	client := newClient(userID, resolved.Level, c.cfg.SendQueueSize)
	var room *Room
	for {
		room, err = c.room(ctx, path)
		if err != nil {
			return nil, err
		}
		if room.attach(client) {
			break
		}
		// The room began evicting between lookup and attach; drop the
		// stale slot and load it again.
		c.registry.remove(path, room)
	}
	c.metrics.ConnectionOpened()

	// Initial sync: the joining connection receives the full replica
	// state as a sync frame.
	if !client.enqueue(EncodeFrame(MessageSync, room.Snapshot())) {
		c.Leave(context.WithoutCancel(ctx), client)
		return nil, apperr.New(apperr.KindBackend, "initial sync overflowed the send queue")
	}

	c.log.V(1).Info("client joined", "client", client.ID, "path", path, "level", client.Level.String())
	return client, nil
}

// HandleFrame processes one inbound frame from client. A returned
// error means the connection must be closed; the client's close reason
// is already set.
func (c *Coordinator) HandleFrame(ctx context.Context, client *Client, frame []byte) error {
	msgType, payload, err := DecodeFrame(frame)
	if err != nil {
		client.shutdown(CloseReasonProtocol)
		return apperr.Wrap(apperr.KindInvalidInput, "decoding frame", err)
	}
	c.metrics.MessageReceived(msgType.String())

	room := client.Room()
	if room == nil {
		client.shutdown(CloseReasonProtocol)
		return apperr.New(apperr.KindInvalidInput, "client is not in a room")
	}

	switch msgType {
	case MessageAuth:
		// Authentication happens before join; a second auth frame is
		// a protocol violation.
		client.shutdown(CloseReasonProtocol)
		return apperr.New(apperr.KindInvalidInput, "unexpected authentication frame")

	case MessageSync:
		// The default replica answers any sync step with full state.
		if !client.enqueue(EncodeFrame(MessageSync, room.Snapshot())) {
			client.shutdown(CloseReasonQueueOverflow)
			return apperr.New(apperr.KindBackend, "sync reply overflowed the send queue")
		}
		return nil

	case MessageUpdate:
		if client.Level < permission.Editor {
			client.shutdown(CloseReasonPolicy)
			return apperr.New(apperr.KindPermissionDenied, "editing requires editor access")
		}
		return room.ApplyUpdate(client, payload)

	case MessageAwareness:
		room.Relay(client, EncodeFrame(MessageAwareness, payload))
		return nil

	case MessageStateless:
		if !json.Valid(payload) {
			client.shutdown(CloseReasonProtocol)
			return apperr.New(apperr.KindInvalidInput, "stateless payload is not valid JSON")
		}
		if c.stateless != nil {
			c.stateless(client, payload)
		}
		room.Relay(client, EncodeFrame(MessageStateless, payload))
		return nil

	default:
		client.shutdown(CloseReasonProtocol)
		return apperr.Newf(apperr.KindInvalidInput, "unhandled message type %s", msgType)
	}
}

// Leave detaches the client. When the last connection leaves, any
// pending save is flushed synchronously and the room is evicted.
func (c *Coordinator) Leave(ctx context.Context, client *Client) {
	room := client.Room()
	client.shutdown("")
	if room == nil {
		return
	}
	c.metrics.ConnectionClosed()

	if empty := room.detach(client); !empty {
		return
	}
	if err := room.Flush(ctx); err != nil {
		c.log.Error(err, "final save on eviction failed", "path", room.Path())
	}
	c.registry.remove(room.Path(), room)
	c.metrics.RoomEvicted()
	c.log.V(1).Info("room evicted", "path", room.Path())
}

// room returns the live room for path, loading it when absent. Exactly
// one caller initializes a given room; concurrent joiners wait for the
// winner's load to finish.
func (c *Coordinator) room(ctx context.Context, path string) (*Room, error) {
	slot, winner := c.registry.claim(path)
	if !winner {
		select {
		case <-slot.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if slot.err != nil {
			return nil, slot.err
		}
		return slot.room, nil
	}

	state, err := c.documents.LoadState(ctx, path)
	if err == nil {
		var replica crdt.Replica
		replica, err = c.factory(state)
		if err == nil {
			slot.room = newRoom(path, replica, c.cfg, c.documents, c.metrics, c.log)
			c.metrics.RoomOpened()
		}
	}
	if err != nil {
		slot.err = apperr.Wrap(apperr.KindBackend, "loading room", err)
		c.registry.remove(path, nil)
	}
	close(slot.ready)
	return slot.room, slot.err
}

// Shutdown flushes and evicts every room. Called on server stop.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, room := range c.registry.all() {
		if err := room.Flush(ctx); err != nil {
			c.log.Error(err, "flush on shutdown failed", "path", room.Path())
		}
		c.registry.remove(room.Path(), room)
		c.metrics.RoomEvicted()
	}
}

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
	"sync"

	"github.com/google/uuid"

	"github.com/scribeworks/codex/internal/permission"
)

// Close reasons reported when the server terminates a connection.
const (
	// CloseReasonQueueOverflow signals a consumer too slow for its
	// bounded outbound queue.
	CloseReasonQueueOverflow = "send queue overflow"
	// CloseReasonPolicy signals a frame the connection's permission
	// level does not allow.
	CloseReasonPolicy = "insufficient permission"
	// CloseReasonProtocol signals a malformed or out-of-order frame.
	CloseReasonProtocol = "protocol violation"
)

// Client is one connection's membership in a room. The outbound path
// is a bounded queue drained by the transport's writer; the room never
// blocks on a slow consumer.
type Client struct {
	// ID identifies the connection in logs.
	ID string
	// UserID is the authenticated user, or empty for public access.
	UserID string
	// Level is the permission level resolved at join time.
	Level permission.Level

	room *Room
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newClient(userID string, level permission.Level, queueSize int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Level:  level,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// Room returns the room this client belongs to, or nil after leave.
func (c *Client) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

// Outbound returns the channel the transport writer drains. It is
// never closed; writers select on Done instead.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done is closed when the client has been shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// CloseReason returns why the client was shut down, if it was.
func (c *Client) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// enqueue offers a frame to the outbound queue without blocking.
// It reports false when the queue is full or the client is closed;
// the caller decides the consequence.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown marks the client closed with a reason. Idempotent; the
// first reason wins.
func (c *Client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

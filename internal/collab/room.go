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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/collab/crdt"
)

// Saver persists a room snapshot. Implemented by the document service.
type Saver interface {
	SaveState(ctx context.Context, path string, state []byte) error
}

// Room is the per-document coordinator: one replica shared by every
// connection on the same path. The room mutex guards the replica, the
// client set, and the save schedule; saves themselves run outside it
// on a private snapshot.
type Room struct {
	path    string
	cfg     Config
	saver   Saver
	metrics Metrics
	log     logr.Logger

	// flushMu serializes persistence; the final eviction flush
	// acquires it to wait out an in-flight debounced save.
	flushMu sync.Mutex

	mu       sync.Mutex
	replica  crdt.Replica
	clients  map[*Client]struct{}
	refs     int
	gen      uint64 // bumped on every applied update
	savedGen uint64 // gen covered by the last successful save
	timer    *time.Timer
	evicting bool
}

func newRoom(path string, replica crdt.Replica, cfg Config, saver Saver, metrics Metrics, log logr.Logger) *Room {
	return &Room{
		path:    path,
		cfg:     cfg,
		saver:   saver,
		metrics: metrics,
		log:     log.WithName("room").WithValues("path", path),
		replica: replica,
		clients: make(map[*Client]struct{}),
	}
}

// Path returns the document path this room serves.
func (r *Room) Path() string { return r.path }

// Dirty reports whether the replica has updates not yet persisted.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen != r.savedGen
}

// ClientCount returns the number of attached connections.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// attach adds a client and bumps the refcount. It refuses once the
// room has started evicting; the caller must look the room up again.
func (r *Room) attach(c *Client) bool {
	r.mu.Lock()
	if r.evicting {
		r.mu.Unlock()
		return false
	}
	r.clients[c] = struct{}{}
	r.refs++
	r.mu.Unlock()
	c.setRoom(r)
	return true
}

// detach removes a client and reports whether the room became empty.
func (r *Room) detach(c *Client) bool {
	r.mu.Lock()
	delete(r.clients, c)
	r.refs--
	empty := r.refs <= 0
	if empty {
		r.evicting = true
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
	}
	r.mu.Unlock()
	c.setRoom(nil)
	return empty
}

// Snapshot returns the replica's current state.
func (r *Room) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replica.Snapshot()
}

// ApplyUpdate merges update into the replica, fans the frame out to
// every other client, marks the room dirty, and schedules a save.
func (r *Room) ApplyUpdate(sender *Client, update []byte) error {
	frame := EncodeFrame(MessageUpdate, update)

	r.mu.Lock()
	if err := r.replica.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return apperr.Wrap(apperr.KindInvalidInput, "applying update", err)
	}
	r.gen++
	slow := r.broadcastLocked(sender, frame)
	r.scheduleLocked()
	r.mu.Unlock()

	r.closeSlow(slow)
	return nil
}

// Relay fans a frame out to every client but the sender without
// touching the replica. Used for awareness and stateless messages.
func (r *Room) Relay(sender *Client, frame []byte) {
	r.mu.Lock()
	slow := r.broadcastLocked(sender, frame)
	r.mu.Unlock()
	r.closeSlow(slow)
}

// broadcastLocked enqueues frame on every client except sender and
// returns the clients whose queues overflowed. Callers hold r.mu, so
// per-receiver enqueue order matches apply order.
func (r *Room) broadcastLocked(sender *Client, frame []byte) []*Client {
	var slow []*Client
	for c := range r.clients {
		if c == sender {
			continue
		}
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	return slow
}

// closeSlow terminates connections that overflowed their queues.
// A failed delivery costs only the offending connection.
func (r *Room) closeSlow(slow []*Client) {
	for _, c := range slow {
		r.metrics.MessageDropped()
		r.log.Info("closing slow consumer", "client", c.ID)
		c.shutdown(CloseReasonQueueOverflow)
	}
}

// scheduleLocked arms the debounce timer if no save is already
// pending. Callers hold r.mu.
func (r *Room) scheduleLocked() {
	if r.timer != nil || r.evicting {
		return
	}
	r.timer = time.AfterFunc(r.cfg.SaveDebounce, func() {
		if err := r.Flush(context.Background()); err != nil {
			r.log.Error(err, "debounced save failed, leaving room dirty")
			r.rescheduleAfterFailure()
		}
	})
}

func (r *Room) rescheduleAfterFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != r.savedGen {
		r.scheduleLocked()
	}
}

// Flush persists the replica if it is dirty. The snapshot is taken
// under the room lock; the write happens outside it and is retried
// with capped exponential backoff. The room stays dirty until a save
// succeeds.
func (r *Room) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	gen := r.gen
	if gen == r.savedGen {
		r.mu.Unlock()
		return nil
	}
	snapshot := r.replica.Snapshot()
	r.mu.Unlock()

	if err := r.save(ctx, snapshot); err != nil {
		r.metrics.SaveCompleted(false, 0)
		return err
	}
	r.metrics.SaveCompleted(true, len(snapshot))

	r.mu.Lock()
	if gen > r.savedGen {
		r.savedGen = gen
	}
	dirtyAgain := r.gen != r.savedGen
	if dirtyAgain {
		r.scheduleLocked()
	}
	r.mu.Unlock()
	return nil
}

// save writes the snapshot with retries. Validation failures are
// permanent; everything else is treated as transient up to the ceiling.
func (r *Room) save(ctx context.Context, snapshot []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = r.cfg.SaveRetryCeiling

	return backoff.Retry(func() error {
		err := r.saver.SaveState(ctx, r.path, snapshot)
		if err == nil {
			return nil
		}
		if apperr.IsKind(err, apperr.KindInvalidInput) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

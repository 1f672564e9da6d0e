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

// Package bolt implements the kv.Store contract on an embedded bbolt
// database. Keys are stored in their order-preserving binary encoding
// inside a single bucket; a meta bucket carries the monotonic
// versionstamp counter. The backend offers strong consistency only.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/scribeworks/codex/internal/kv"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	keyCounter    = []byte("versionstamp")
)

// Store is a bbolt-backed kv.Store.
type Store struct {
	db *bbolt.DB

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a bbolt database at path and prepares the
// buckets.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: opening database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bolt: creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// envelope is the stored form of an entry value.
type envelope struct {
	Value        json.RawMessage `json:"value"`
	Versionstamp string          `json:"versionstamp"`
	ExpiresAt    int64           `json:"expiresAt,omitempty"` // unix nanos, 0 = none
}

func (e *envelope) expired(now time.Time) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= now.UnixNano()
}

// nextVersionstamp bumps the commit counter inside tx and returns the
// fixed-width versionstamp for this transaction.
func nextVersionstamp(tx *bbolt.Tx) (string, error) {
	meta := tx.Bucket(bucketMeta)
	var n uint64
	if raw := meta.Get(keyCounter); len(raw) == 8 {
		n = binary.BigEndian.Uint64(raw)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := meta.Put(keyCounter, buf); err != nil {
		return "", fmt.Errorf("bolt: advancing versionstamp: %w", err)
	}
	return fmt.Sprintf("%016x", n), nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kv.ErrStoreClosed
	}
	return nil
}

// Get returns the current entry for key, or nil if absent or expired.
func (s *Store) Get(ctx context.Context, key kv.Key) (*kv.Entry, error) {
	entries, err := s.GetMany(ctx, []kv.Key{key})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// GetMany returns entries for keys in input order, nil for misses.
func (s *Store) GetMany(ctx context.Context, keys []kv.Key) ([]*kv.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*kv.Entry, len(keys))
	now := time.Now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for i, key := range keys {
			if len(key) == 0 {
				return kv.ErrEmptyKey
			}
			enc, err := key.Encode()
			if err != nil {
				return err
			}
			raw := b.Get(enc)
			if raw == nil {
				continue
			}
			entry, ok, err := decodeEnvelope(key, raw, now)
			if err != nil {
				return err
			}
			if ok {
				out[i] = entry
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeEnvelope(key kv.Key, raw []byte, now time.Time) (*kv.Entry, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("bolt: corrupt envelope for %s: %w", key, err)
	}
	if env.expired(now) {
		return nil, false, nil
	}
	value, err := kv.DecodeValue(env.Value)
	if err != nil {
		return nil, false, err
	}
	return &kv.Entry{Key: key, Value: value, Versionstamp: env.Versionstamp}, true, nil
}

// Set upserts key to value.
func (s *Store) Set(ctx context.Context, key kv.Key, value kv.Value, opts kv.SetOptions) (kv.CommitResult, error) {
	op := s.Atomic()
	if opts.ExpireIn > 0 {
		op.SetWithTTL(key, value, opts.ExpireIn)
	} else {
		op.Set(key, value)
	}
	return op.Commit(ctx)
}

// Delete removes key. Idempotent.
func (s *Store) Delete(ctx context.Context, key kv.Key) error {
	_, err := s.Atomic().Delete(key).Commit(ctx)
	return err
}

// List iterates entries chosen by sel in structural key order.
func (s *Store) List(ctx context.Context, sel kv.Selector, opts kv.ListOptions) (kv.Iterator, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	start, end, err := rangeBounds(sel)
	if err != nil {
		return nil, err
	}
	var after []byte
	if opts.Cursor != "" {
		after, err = kv.DecodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
	}
	fetch := func(ctx context.Context, after []byte, n int) ([]kv.Entry, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.fetchRange(start, end, after, n, opts.Reverse)
	}
	return kv.NewBatchIterator(ctx, fetch, opts.Limit, after), nil
}

func rangeBounds(sel kv.Selector) (start, end []byte, err error) {
	if len(sel.Prefix) > 0 {
		return kv.PrefixRange(sel.Prefix)
	}
	if len(sel.Start) == 0 || len(sel.End) == 0 {
		return nil, nil, fmt.Errorf("kv: selector requires a prefix or a start/end range")
	}
	if start, err = sel.Start.Encode(); err != nil {
		return nil, nil, err
	}
	if end, err = sel.End.Encode(); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// fetchRange collects up to n live entries inside [start, end),
// strictly past `after` in iteration direction.
func (s *Store) fetchRange(start, end, after []byte, n int, reverse bool) ([]kv.Entry, error) {
	var out []kv.Entry
	now := time.Now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		var k, v []byte
		if reverse {
			k, v = seekReverse(c, end, after)
		} else {
			k, v = seekForward(c, start, after)
		}
		for k != nil {
			if reverse {
				if bytes.Compare(k, start) < 0 {
					break
				}
			} else if bytes.Compare(k, end) >= 0 {
				break
			}
			key, err := kv.DecodeKey(k)
			if err != nil {
				return fmt.Errorf("bolt: corrupt stored key: %w", err)
			}
			entry, ok, err := decodeEnvelope(key, v, now)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, *entry)
				if len(out) >= n {
					break
				}
			}
			if reverse {
				k, v = c.Prev()
			} else {
				k, v = c.Next()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// seekForward positions the cursor on the first key ≥ start, or
// strictly after `after` when resuming.
func seekForward(c *bbolt.Cursor, start, after []byte) ([]byte, []byte) {
	from := start
	if after != nil && bytes.Compare(after, start) >= 0 {
		from = after
	}
	k, v := c.Seek(from)
	if k != nil && after != nil && bytes.Equal(k, after) {
		k, v = c.Next()
	}
	return k, v
}

// seekReverse positions the cursor on the last key < end, or strictly
// before `after` when resuming.
func seekReverse(c *bbolt.Cursor, end, after []byte) ([]byte, []byte) {
	bound := end
	if after != nil && bytes.Compare(after, end) < 0 {
		bound = after
	}
	k, v := c.Seek(bound)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

// Atomic begins a new atomic operation.
func (s *Store) Atomic() kv.AtomicOp {
	return &atomicOp{store: s}
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type mutationKind uint8

const (
	mutSet mutationKind = iota
	mutDelete
	mutSum
)

type mutation struct {
	kind  mutationKind
	key   kv.Key
	value kv.Value
	ttl   time.Duration
	sum   uint64
}

type check struct {
	key kv.Key
	vs  string
}

type atomicOp struct {
	store     *Store
	checks    []check
	mutations []mutation
	err       error
}

func (op *atomicOp) Check(key kv.Key, vs string) kv.AtomicOp {
	op.checks = append(op.checks, check{key: key, vs: vs})
	return op
}

func (op *atomicOp) Set(key kv.Key, value kv.Value) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutSet, key: key, value: value})
	return op
}

func (op *atomicOp) SetWithTTL(key kv.Key, value kv.Value, ttl time.Duration) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutSet, key: key, value: value, ttl: ttl})
	return op
}

func (op *atomicOp) Delete(key kv.Key) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutDelete, key: key})
	return op
}

func (op *atomicOp) Sum(key kv.Key, n uint64) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutSum, key: key, sum: n})
	return op
}

// Commit runs checks then mutations inside one bbolt write transaction.
func (op *atomicOp) Commit(ctx context.Context) (kv.CommitResult, error) {
	if err := op.store.checkOpen(); err != nil {
		return kv.CommitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return kv.CommitResult{}, err
	}
	for _, c := range op.checks {
		if len(c.key) == 0 {
			return kv.CommitResult{}, kv.ErrEmptyKey
		}
	}
	for _, m := range op.mutations {
		if len(m.key) == 0 {
			return kv.CommitResult{}, kv.ErrEmptyKey
		}
	}

	var result kv.CommitResult
	now := time.Now()
	err := op.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		for _, c := range op.checks {
			current, err := currentVersionstamp(b, c.key, now)
			if err != nil {
				return err
			}
			if current != c.vs {
				result = kv.CommitResult{OK: false}
				return nil
			}
		}

		vs, err := nextVersionstamp(tx)
		if err != nil {
			return err
		}

		for _, m := range op.mutations {
			enc, err := m.key.Encode()
			if err != nil {
				return err
			}
			switch m.kind {
			case mutSet:
				if err := putEnvelope(b, enc, m.value, vs, m.ttl, now); err != nil {
					return err
				}
			case mutDelete:
				if err := b.Delete(enc); err != nil {
					return fmt.Errorf("bolt: delete: %w", err)
				}
			case mutSum:
				total, err := currentCounter(b, m.key, enc, now)
				if err != nil {
					return err
				}
				if err := putEnvelope(b, enc, kv.Uint64(total+m.sum), vs, 0, now); err != nil {
					return err
				}
			}
		}
		result = kv.CommitResult{OK: true, Versionstamp: vs}
		return nil
	})
	if err != nil {
		return kv.CommitResult{}, err
	}
	return result, nil
}

// currentVersionstamp returns the live versionstamp for key, or ""
// when the entry is absent or expired.
func currentVersionstamp(b *bbolt.Bucket, key kv.Key, now time.Time) (string, error) {
	enc, err := key.Encode()
	if err != nil {
		return "", err
	}
	raw := b.Get(enc)
	if raw == nil {
		return "", nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("bolt: corrupt envelope for %s: %w", key, err)
	}
	if env.expired(now) {
		return "", nil
	}
	return env.Versionstamp, nil
}

// currentCounter reads the live Uint64 value at key, or zero.
func currentCounter(b *bbolt.Bucket, key kv.Key, enc []byte, now time.Time) (uint64, error) {
	raw := b.Get(enc)
	if raw == nil {
		return 0, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("bolt: corrupt envelope for %s: %w", key, err)
	}
	if env.expired(now) {
		return 0, nil
	}
	value, err := kv.DecodeValue(env.Value)
	if err != nil {
		return 0, err
	}
	counter, ok := value.(kv.Uint64)
	if !ok {
		return 0, fmt.Errorf("bolt: sum target %s holds a non-counter value", key)
	}
	return uint64(counter), nil
}

func putEnvelope(b *bbolt.Bucket, enc []byte, value kv.Value, vs string, ttl time.Duration, now time.Time) error {
	data, err := kv.EncodeValue(value)
	if err != nil {
		return err
	}
	env := envelope{Value: data, Versionstamp: vs}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixNano()
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("bolt: encoding envelope: %w", err)
	}
	if err := b.Put(enc, raw); err != nil {
		return fmt.Errorf("bolt: put: %w", err)
	}
	return nil
}
